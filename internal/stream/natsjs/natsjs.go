// Package natsjs adapts a NATS JetStream stream to the partitioned stream
// model. Partition p is the subject "<prefix>.<p>" and the JetStream stream
// sequence is the offset.
package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cartograph/cartograph/pkg/types"
)

// Options configures a JetStream connection.
type Options struct {
	// URL is the NATS server URL, e.g. nats://localhost:4222
	URL string

	// Stream is the JetStream stream name
	Stream string

	// SubjectPrefix is the subject prefix; partitions use "<prefix>.<p>"
	SubjectPrefix string

	// Partitions is the number of partition subjects
	Partitions int

	// DuplicateWindow is the server-side message ID deduplication window
	DuplicateWindow time.Duration
}

// Client publishes to and reads from a JetStream stream.
type Client struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
}

// Connect connects to NATS and creates or updates the stream.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Stream == "" {
		return nil, fmt.Errorf("natsjs: stream name is required")
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = opts.Stream
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.DuplicateWindow <= 0 {
		opts.DuplicateWindow = 2 * time.Minute
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name("cartograph"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsjs: failed to connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsjs: failed to create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Duplicates: opts.DuplicateWindow,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsjs: failed to ensure stream %s: %w", opts.Stream, err)
	}

	return &Client{nc: nc, js: js, opts: opts}, nil
}

// Partitions returns the number of partition subjects.
func (c *Client) Partitions() int {
	return c.opts.Partitions
}

// Subject returns the subject of a partition.
func (c *Client) Subject(partition int) string {
	return fmt.Sprintf("%s.%d", c.opts.SubjectPrefix, partition)
}

// Publish publishes data to a partition. msgID enables server-side duplicate
// suppression of producer retries; a duplicate returns the original offset.
func (c *Client) Publish(ctx context.Context, partition int, msgID string, data []byte) (uint64, error) {
	if partition < 0 || partition >= c.opts.Partitions {
		return 0, fmt.Errorf("natsjs: partition %d out of range [0,%d)", partition, c.opts.Partitions)
	}
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := c.js.Publish(ctx, c.Subject(partition), data, opts...)
	if err != nil {
		return 0, fmt.Errorf("natsjs: publish failed: %w", err)
	}
	return ack.Sequence, nil
}

// Reader opens an ordered consumer on a partition starting at offset from.
func (c *Client) Reader(ctx context.Context, partition int, from uint64) (*Reader, error) {
	if from == 0 {
		from = 1
	}
	cons, err := c.js.OrderedConsumer(ctx, c.opts.Stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{c.Subject(partition)},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    from,
	})
	if err != nil {
		return nil, fmt.Errorf("natsjs: failed to create consumer: %w", err)
	}
	it, err := cons.Messages()
	if err != nil {
		return nil, fmt.Errorf("natsjs: failed to start message iterator: %w", err)
	}
	return &Reader{it: it, partition: partition}, nil
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

// Reader reads one partition through an ordered consumer.
type Reader struct {
	it        jetstream.MessagesContext
	partition int
}

type nextResult struct {
	msg jetstream.Msg
	err error
}

// Next blocks until the next message arrives or ctx ends. After ctx ends the
// reader is stopped and must be reopened.
func (r *Reader) Next(ctx context.Context) (types.Message, error) {
	ch := make(chan nextResult, 1)
	go func() {
		msg, err := r.it.Next()
		ch <- nextResult{msg: msg, err: err}
	}()

	var res nextResult
	select {
	case <-ctx.Done():
		r.it.Stop()
		return types.Message{}, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		if errors.Is(res.err, jetstream.ErrMsgIteratorClosed) {
			return types.Message{}, fmt.Errorf("natsjs: reader closed: %w", res.err)
		}
		return types.Message{}, fmt.Errorf("natsjs: next failed: %w", res.err)
	}

	meta, err := res.msg.Metadata()
	if err != nil {
		return types.Message{}, fmt.Errorf("natsjs: missing metadata: %w", err)
	}
	return types.Message{
		Offset: types.StreamOffset{Partition: r.partition, Offset: meta.Sequence.Stream},
		Data:   res.msg.Data(),
	}, nil
}

// Close stops the consumer.
func (r *Reader) Close() error {
	r.it.Stop()
	return nil
}
