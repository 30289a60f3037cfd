package filelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, dir string, opts Options) *Log {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	l, err := Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func readN(t *testing.T, r *Reader, n int) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []string
	for i := 0; i < n; i++ {
		msg, err := r.Next(ctx)
		require.NoError(t, err)
		out = append(out, string(msg.Data))
	}
	return out
}

func TestLog_AppendAssignsOffsetsPerPartition(t *testing.T) {
	l := openTestLog(t, t.TempDir(), Options{Partitions: 2})

	for i := 1; i <= 3; i++ {
		off, err := l.Append(0, []byte(fmt.Sprintf("p0-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), off)
	}
	off, err := l.Append(1, []byte("p1-1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), off)

	_, err = l.Append(2, []byte("nope"))
	assert.Error(t, err)
}

func TestLog_ReaderFromOffset(t *testing.T) {
	l := openTestLog(t, t.TempDir(), Options{Partitions: 1})
	for i := 1; i <= 5; i++ {
		_, err := l.Append(0, []byte(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	r, err := l.Reader(0, 3)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"m3", "m4", "m5"}, readN(t, r, 3))
}

func TestLog_ReaderFollowsTail(t *testing.T) {
	l := openTestLog(t, t.TempDir(), Options{Partitions: 1})
	r, err := l.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Append(0, []byte("late"))
	}()
	assert.Equal(t, []string{"late"}, readN(t, r, 1))
}

func TestLog_ReaderCrossesSegments(t *testing.T) {
	dir := t.TempDir()
	// tiny segments force a rotation after every append
	l := openTestLog(t, dir, Options{Partitions: 1, MaxSegmentSize: 32})

	r, err := l.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()

	var want []string
	for i := 1; i <= 10; i++ {
		msg := fmt.Sprintf("segment-message-%02d", i)
		want = append(want, msg)
		_, err := l.Append(0, []byte(msg))
		require.NoError(t, err)
	}
	assert.Equal(t, want, readN(t, r, 10))

	ids, err := listSegments(partitionDir(dir, 0))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ids), 10)

	// a reader that starts mid-log skips the earlier segments
	r2, err := l.Reader(0, 7)
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, want[6:], readN(t, r2, 4))
}

func TestLog_CRCMismatchIsSkipped(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, Options{Partitions: 1})
	_, err := l.Append(0, []byte("first"))
	require.NoError(t, err)
	_, err = l.Append(0, []byte("second"))
	require.NoError(t, err)

	// corrupt the CRC of the first frame
	path := segmentPath(partitionDir(dir, 0), 0)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = file.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, 12)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	r, err := l.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Data))
	assert.Equal(t, uint64(2), msg.Offset.Offset)
}

func TestLog_CloseAndReopen(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir, Options{Partitions: 3})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := l1.Append(1, []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	// the existing partition count wins over the option
	l2 := openTestLog(t, dir, Options{Partitions: 8})
	assert.Equal(t, 3, l2.Partitions())

	last, err := l2.LastOffset(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), last)

	off, err := l2.Append(1, []byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), off)
}

func TestLog_TornTailIsTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir, Options{Partitions: 1})
	require.NoError(t, err)
	_, err = l1.Append(0, []byte("complete"))
	require.NoError(t, err)
	require.NoError(t, l1.Close())

	// simulate a crash in the middle of a write
	path := segmentPath(partitionDir(dir, 0), 0)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = file.Write(encodeFrame(2, []byte("partial-frame"))[:20])
	require.NoError(t, err)
	require.NoError(t, file.Close())

	l2 := openTestLog(t, dir, Options{})
	last, err := l2.LastOffset(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)

	off, err := l2.Append(0, []byte("after-crash"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), off)

	r, err := l2.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, []string{"complete", "after-crash"}, readN(t, r, 2))
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := openTestLog(t, t.TempDir(), Options{Partitions: 1})

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := l.Append(0, []byte("c"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	last, err := l.LastOffset(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), last)
}

func TestLog_CloseUnblocksReaders(t *testing.T) {
	l, err := Open(t.TempDir(), Options{Partitions: 1, PollInterval: time.Hour})
	require.NoError(t, err)
	r, err := l.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		_, err := r.Next(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not unblock on close")
	}
}

func TestLog_ReadOnlySharesDirectory(t *testing.T) {
	dir := t.TempDir()
	writer := openTestLog(t, dir, Options{Partitions: 1})
	reader := openTestLog(t, dir, Options{ReadOnly: true})

	_, err := reader.Append(0, []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)

	r, err := reader.Reader(0, 1)
	require.NoError(t, err)
	defer r.Close()

	_, err = writer.Append(0, []byte("from-writer"))
	require.NoError(t, err)
	assert.Equal(t, []string{"from-writer"}, readN(t, r, 1))
}

func TestParseSegmentName(t *testing.T) {
	id, ok := parseSegmentName(segmentName(0x2a))
	assert.True(t, ok)
	assert.Equal(t, uint64(0x2a), id)

	_, ok = parseSegmentName("wal_0000000000000000.log")
	assert.False(t, ok)
	_, ok = parseSegmentName(filepath.Join("x", "seg_1.log"))
	assert.False(t, ok)
}
