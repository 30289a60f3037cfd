package filelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cartograph/cartograph/pkg/types"
)

// Reader follows one partition from a starting offset. It is not safe for
// concurrent use.
type Reader struct {
	pl        *partitionLog
	partition int
	next      uint64
	poll      time.Duration

	segID uint64
	file  *os.File
	br    *bufio.Reader
	pos   int64

	// drained is set once a newer segment exists and the current one has
	// been re-read to its end, so nothing more can be appended to it.
	drained bool
}

func newReader(pl *partitionLog, partition int, from uint64, poll time.Duration) (*Reader, error) {
	r := &Reader{pl: pl, partition: partition, next: from, poll: poll}

	ids, err := listSegments(pl.dir)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.segID = ids[0]
	}
	// start at the last segment whose first offset is not past from
	for _, id := range ids {
		first, err := firstOffset(segmentPath(pl.dir, id))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment header: %w", err)
		}
		if first != 0 && first <= from {
			r.segID = id
		}
	}
	return r, nil
}

// Next blocks until the next message at or after the reader's position is
// available, ctx ends or the log is closed. Corrupt frames are skipped.
func (r *Reader) Next(ctx context.Context) (types.Message, error) {
	for {
		closed, notify := r.pl.watch()
		if closed {
			return types.Message{}, ErrClosed
		}

		if r.file == nil {
			if err := r.openSegment(); err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return types.Message{}, err
				}
				if err := r.wait(ctx, notify); err != nil {
					return types.Message{}, err
				}
				continue
			}
		}

		f, n, err := readFrame(r.br)
		switch {
		case err == nil:
			r.pos += n
			if f.offset < r.next {
				continue
			}
			r.next = f.offset + 1
			return types.Message{
				Offset: types.StreamOffset{Partition: r.partition, Offset: f.offset},
				Data:   f.data,
			}, nil

		case errors.Is(err, errBadCRC):
			r.pos += n
			continue

		case err == io.EOF, errors.Is(err, errTornFrame), errors.Is(err, errFrameLimit):
			if err := r.rewind(); err != nil {
				return types.Message{}, err
			}
			if r.drained {
				if err := r.advance(); err != nil {
					return types.Message{}, err
				}
				continue
			}
			newer, err := r.hasNewerSegment()
			if err != nil {
				return types.Message{}, err
			}
			if newer {
				// re-read once, then move on
				r.drained = true
				continue
			}
			if err := r.wait(ctx, notify); err != nil {
				return types.Message{}, err
			}

		default:
			return types.Message{}, fmt.Errorf("failed to read frame: %w", err)
		}
	}
}

func (r *Reader) openSegment() error {
	file, err := os.Open(segmentPath(r.pl.dir, r.segID))
	if err != nil {
		return err
	}
	r.file = file
	r.br = bufio.NewReader(file)
	r.pos = 0
	r.drained = false
	return nil
}

// rewind repositions the reader at the start of the last incomplete frame.
func (r *Reader) rewind() error {
	if _, err := r.file.Seek(r.pos, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek segment: %w", err)
	}
	r.br.Reset(r.file)
	return nil
}

func (r *Reader) hasNewerSegment() (bool, error) {
	ids, err := listSegments(r.pl.dir)
	if err != nil {
		return false, err
	}
	return len(ids) > 0 && ids[len(ids)-1] > r.segID, nil
}

// advance closes the current segment and opens the next existing one.
func (r *Reader) advance() error {
	ids, err := listSegments(r.pl.dir)
	if err != nil {
		return err
	}
	next := r.segID
	for _, id := range ids {
		if id > r.segID {
			next = id
			break
		}
	}
	r.file.Close()
	r.file = nil
	r.segID = next
	return r.openSegment()
}

func (r *Reader) wait(ctx context.Context, notify <-chan struct{}) error {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-notify:
		return nil
	case <-timer.C:
		return nil
	}
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (pl *partitionLog) watch() (bool, <-chan struct{}) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.closed, pl.notify
}
