package stream

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cartograph/cartograph/internal/stream/filelog"
	"github.com/cartograph/cartograph/internal/stream/natsjs"
	"github.com/cartograph/cartograph/pkg/types"
)

// Location is a parsed stream URI.
type Location struct {
	Scheme     string
	Path       string // filelog directory
	URL        string // nats server URL
	Stream     string // jetstream stream name
	Subject    string // jetstream subject prefix
	Partitions int
}

// ParseURI parses file://<dir>?partitions=N and
// nats://host:port/<stream>?subject=<prefix>&partitions=N.
func ParseURI(uri string) (Location, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Location{}, fmt.Errorf("stream: invalid uri %q: %w", uri, err)
	}

	loc := Location{Scheme: u.Scheme}
	if v := u.Query().Get("partitions"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Location{}, fmt.Errorf("stream: invalid partitions %q", v)
		}
		loc.Partitions = n
	}

	switch u.Scheme {
	case "file":
		loc.Path = u.Host + u.Path
		if loc.Path == "" {
			return Location{}, fmt.Errorf("stream: file uri needs a directory")
		}
	case "nats":
		loc.URL = "nats://" + u.Host
		loc.Stream = strings.Trim(u.Path, "/")
		if loc.Stream == "" {
			return Location{}, fmt.Errorf("stream: nats uri needs a stream name")
		}
		loc.Subject = u.Query().Get("subject")
		if loc.Partitions == 0 {
			loc.Partitions = 1
		}
	default:
		return Location{}, fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	return loc, nil
}

// OpenSource opens the stream at uri for reading. File logs are opened
// read-only so collectors can append from other processes.
func OpenSource(ctx context.Context, uri string) (Source, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "file":
		log, err := filelog.Open(loc.Path, filelog.Options{Partitions: loc.Partitions, ReadOnly: true})
		if err != nil {
			return nil, err
		}
		return &fileSource{log: log}, nil
	default:
		c, err := connectNATS(ctx, loc)
		if err != nil {
			return nil, err
		}
		return &natsSource{client: c}, nil
	}
}

// OpenPublisher opens the stream at uri for publishing.
func OpenPublisher(ctx context.Context, uri string) (Publisher, error) {
	loc, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "file":
		log, err := filelog.Open(loc.Path, filelog.Options{Partitions: loc.Partitions})
		if err != nil {
			return nil, err
		}
		return &filePublisher{log: log, part: NewPartitioner(log.Partitions())}, nil
	default:
		c, err := connectNATS(ctx, loc)
		if err != nil {
			return nil, err
		}
		return &natsPublisher{client: c, part: NewPartitioner(c.Partitions())}, nil
	}
}

func connectNATS(ctx context.Context, loc Location) (*natsjs.Client, error) {
	return natsjs.Connect(ctx, natsjs.Options{
		URL:           loc.URL,
		Stream:        loc.Stream,
		SubjectPrefix: loc.Subject,
		Partitions:    loc.Partitions,
	})
}

func partitionIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

type fileSource struct {
	log *filelog.Log
}

func (s *fileSource) Partitions(context.Context) ([]int, error) {
	return partitionIDs(s.log.Partitions()), nil
}

func (s *fileSource) Open(_ context.Context, partition int, from uint64) (PartitionReader, error) {
	r, err := s.log.Reader(partition, from)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *fileSource) Close() error {
	return s.log.Close()
}

type filePublisher struct {
	log  *filelog.Log
	part Partitioner
}

func (p *filePublisher) Publish(_ context.Context, key, _ string, data []byte) (types.StreamOffset, error) {
	partition := p.part.Partition(key)
	off, err := p.log.Append(partition, data)
	if err != nil {
		return types.StreamOffset{}, err
	}
	return types.StreamOffset{Partition: partition, Offset: off}, nil
}

func (p *filePublisher) Close() error {
	return p.log.Close()
}

type natsSource struct {
	client *natsjs.Client
}

func (s *natsSource) Partitions(context.Context) ([]int, error) {
	return partitionIDs(s.client.Partitions()), nil
}

func (s *natsSource) Open(ctx context.Context, partition int, from uint64) (PartitionReader, error) {
	r, err := s.client.Reader(ctx, partition, from)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *natsSource) Close() error {
	return s.client.Close()
}

type natsPublisher struct {
	client *natsjs.Client
	part   Partitioner
}

func (p *natsPublisher) Publish(ctx context.Context, key, msgID string, data []byte) (types.StreamOffset, error) {
	partition := p.part.Partition(key)
	off, err := p.client.Publish(ctx, partition, msgID, data)
	if err != nil {
		return types.StreamOffset{}, err
	}
	return types.StreamOffset{Partition: partition, Offset: off}, nil
}

func (p *natsPublisher) Close() error {
	return p.client.Close()
}
