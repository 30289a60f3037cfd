// Package filelog provides a durable partitioned log on local disk.
//
// Each partition is a directory of append-only segment files. Appends are
// fsynced before they are acknowledged and are assigned offsets that start at
// 1 and increase by one per partition. Readers follow the tail of a partition
// and may start at any offset.
package filelog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("filelog: closed")

	// ErrReadOnly is returned by Append on a read-only log.
	ErrReadOnly = errors.New("filelog: read-only")
)

// Options configures a Log.
type Options struct {
	// Partitions is the number of partitions. Ignored when the directory
	// already holds a log; the existing count is used instead.
	Partitions int

	// MaxSegmentSize triggers segment rotation once a segment reaches it.
	MaxSegmentSize int64

	// PollInterval is how often readers check for data written by other
	// processes.
	PollInterval time.Duration

	// ReadOnly opens the log for reading only. The tail is not truncated and
	// Append fails, so a reader process can share the directory with one
	// writer process.
	ReadOnly bool
}

// DefaultOptions returns the defaults used when a field is unset.
func DefaultOptions() Options {
	return Options{
		Partitions:     4,
		MaxSegmentSize: 64 * 1024 * 1024,
		PollInterval:   100 * time.Millisecond,
	}
}

// Log is a partitioned, segment-based append-only log.
type Log struct {
	dir   string
	opts  Options
	parts []*partitionLog

	mu     sync.Mutex
	closed bool
}

type partitionLog struct {
	dir        string
	maxSegSize int64
	readOnly   bool

	mu         sync.Mutex
	segment    *os.File
	segmentID  uint64
	size       int64
	lastOffset uint64
	closed     bool

	// notify is closed and replaced on every append to wake local readers.
	notify chan struct{}
}

// Open opens the log in dir, creating it if it doesn't exist, and recovers
// the last offset of every partition. A torn frame at the tail of the active
// segment is truncated.
func Open(dir string, opts Options) (*Log, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	existing, err := countPartitions(dir)
	if err != nil {
		return nil, err
	}
	if existing > 0 {
		opts.Partitions = existing
	}
	if opts.Partitions <= 0 {
		opts.Partitions = def.Partitions
	}

	l := &Log{dir: dir, opts: opts}
	for p := 0; p < opts.Partitions; p++ {
		pl, err := openPartition(partitionDir(dir, p), opts.MaxSegmentSize, opts.ReadOnly)
		if err != nil {
			l.closePartitions()
			return nil, fmt.Errorf("partition %d: %w", p, err)
		}
		l.parts = append(l.parts, pl)
	}
	return l, nil
}

func partitionDir(dir string, p int) string {
	return filepath.Join(dir, fmt.Sprintf("p-%04d", p))
}

// countPartitions returns the number of consecutive partition directories.
func countPartitions(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}
	seen := make(map[int]bool)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "p-") {
			continue
		}
		if n, err := strconv.Atoi(e.Name()[2:]); err == nil {
			seen[n] = true
		}
	}
	count := 0
	for seen[count] {
		count++
	}
	return count, nil
}

func openPartition(dir string, maxSegSize int64, readOnly bool) (*partitionLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create partition directory: %w", err)
	}
	pl := &partitionLog{
		dir:        dir,
		maxSegSize: maxSegSize,
		readOnly:   readOnly,
		notify:     make(chan struct{}),
	}
	if err := pl.recover(); err != nil {
		return nil, err
	}
	if readOnly {
		return pl, nil
	}
	if err := pl.openSegment(); err != nil {
		return nil, err
	}
	return pl, nil
}

// recover finds the active segment, truncates a torn tail and restores the
// last assigned offset, looking at older segments when the active one is
// empty.
func (pl *partitionLog) recover() error {
	ids, err := listSegments(pl.dir)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	pl.segmentID = ids[len(ids)-1]

	last, valid, err := scanSegment(segmentPath(pl.dir, pl.segmentID))
	if err != nil {
		return err
	}
	if !pl.readOnly {
		if err := os.Truncate(segmentPath(pl.dir, pl.segmentID), valid); err != nil {
			return fmt.Errorf("failed to truncate torn tail: %w", err)
		}
	}
	for i := len(ids) - 2; last == 0 && i >= 0; i-- {
		if last, _, err = scanSegment(segmentPath(pl.dir, ids[i])); err != nil {
			return err
		}
	}
	pl.lastOffset = last
	return nil
}

// openSegment opens the current segment file for appending.
func (pl *partitionLog) openSegment() error {
	file, err := os.OpenFile(segmentPath(pl.dir, pl.segmentID), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open segment file: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat segment: %w", err)
	}
	pl.segment = file
	pl.size = stat.Size()
	return nil
}

// rotateSegment closes the current segment and opens the next one.
func (pl *partitionLog) rotateSegment() error {
	if err := pl.segment.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}
	pl.segmentID++
	return pl.openSegment()
}

func (pl *partitionLog) append(data []byte) (uint64, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.closed {
		return 0, ErrClosed
	}
	if pl.readOnly {
		return 0, ErrReadOnly
	}

	offset := pl.lastOffset + 1
	buf := encodeFrame(offset, data)
	if _, err := pl.segment.Write(buf); err != nil {
		return 0, fmt.Errorf("failed to write frame: %w", err)
	}
	if err := pl.segment.Sync(); err != nil {
		return 0, fmt.Errorf("failed to fsync: %w", err)
	}
	pl.size += int64(len(buf))
	pl.lastOffset = offset

	close(pl.notify)
	pl.notify = make(chan struct{})

	if pl.size >= pl.maxSegSize {
		if err := pl.rotateSegment(); err != nil {
			return offset, err
		}
	}
	return offset, nil
}

func (pl *partitionLog) state() (uint64, <-chan struct{}) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lastOffset, pl.notify
}

func (pl *partitionLog) close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.closed {
		return nil
	}
	pl.closed = true
	close(pl.notify)
	pl.notify = make(chan struct{})
	if pl.segment == nil {
		return nil
	}
	if err := pl.segment.Sync(); err != nil {
		pl.segment.Close()
		return fmt.Errorf("failed to fsync on close: %w", err)
	}
	return pl.segment.Close()
}

// Partitions returns the number of partitions.
func (l *Log) Partitions() int {
	return len(l.parts)
}

// Append durably writes data to a partition and returns its offset.
func (l *Log) Append(partition int, data []byte) (uint64, error) {
	pl, err := l.partition(partition)
	if err != nil {
		return 0, err
	}
	return pl.append(data)
}

// LastOffset returns the highest offset written to a partition, 0 if empty.
func (l *Log) LastOffset(partition int) (uint64, error) {
	pl, err := l.partition(partition)
	if err != nil {
		return 0, err
	}
	last, _ := pl.state()
	return last, nil
}

// Reader returns a tail-following reader positioned at offset from.
func (l *Log) Reader(partition int, from uint64) (*Reader, error) {
	pl, err := l.partition(partition)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	return newReader(pl, partition, from, l.opts.PollInterval)
}

func (l *Log) partition(p int) (*partitionLog, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if p < 0 || p >= len(l.parts) {
		return nil, fmt.Errorf("filelog: partition %d out of range [0,%d)", p, len(l.parts))
	}
	return l.parts[p], nil
}

// Close fsyncs and closes every partition. Blocked readers return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.closePartitions()
}

func (l *Log) closePartitions() error {
	var errs []error
	for _, pl := range l.parts {
		if err := pl.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
