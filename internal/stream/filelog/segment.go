package filelog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
)

// Frame layout: [offset:8][length:4][crc32:4][payload:length], little endian.
// The CRC covers the compressed payload.
const headerSize = 16

// maxFrameSize bounds the payload length accepted by readers so a corrupted
// length field cannot trigger a huge allocation.
const maxFrameSize = 64 << 20

var (
	errTornFrame  = errors.New("filelog: torn frame")
	errBadCRC     = errors.New("filelog: crc mismatch")
	errFrameLimit = errors.New("filelog: frame length exceeds limit")
)

type frame struct {
	offset uint64
	data   []byte
}

func segmentName(id uint64) string {
	return fmt.Sprintf("seg_%016x.log", id)
}

// parseSegmentName extracts the ID from seg_{id:016x}.log.
func parseSegmentName(name string) (uint64, bool) {
	if len(name) != 24 || !strings.HasPrefix(name, "seg_") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	var id uint64
	if _, err := fmt.Sscanf(name[4:20], "%016x", &id); err != nil {
		return 0, false
	}
	return id, true
}

// listSegments returns the segment IDs of a partition directory in ascending order.
func listSegments(dir string) ([]uint64, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read partition directory: %w", err)
	}
	var ids []uint64
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if id, ok := parseSegmentName(f.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// encodeFrame compresses data and returns the complete frame bytes.
func encodeFrame(offset uint64, data []byte) []byte {
	payload := snappy.Encode(nil, data)
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)
	return buf
}

// readFrame reads one frame. It returns io.EOF at a clean end, errTornFrame
// when the frame is incomplete and errBadCRC when the payload is corrupt.
// n is the number of bytes the frame occupies, valid for errBadCRC too.
func readFrame(r io.Reader) (f frame, n int64, err error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return frame{}, 0, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return frame{}, 0, errTornFrame
		}
		return frame{}, 0, err
	}

	offset := binary.LittleEndian.Uint64(hdr[0:8])
	length := binary.LittleEndian.Uint32(hdr[8:12])
	crc := binary.LittleEndian.Uint32(hdr[12:16])
	if length > maxFrameSize {
		return frame{}, 0, errFrameLimit
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return frame{}, 0, errTornFrame
		}
		return frame{}, 0, err
	}
	n = int64(headerSize) + int64(length)

	if crc32.ChecksumIEEE(payload) != crc {
		return frame{}, n, errBadCRC
	}
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return frame{}, n, fmt.Errorf("%w: %v", errBadCRC, err)
	}
	return frame{offset: offset, data: data}, n, nil
}

// scanSegment validates a segment and returns the last intact offset and the
// byte length of the valid prefix. Scanning stops at the first torn frame.
func scanSegment(path string) (lastOffset uint64, validSize int64, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open segment: %w", err)
	}
	defer file.Close()

	r := bufio.NewReader(file)
	for {
		f, n, err := readFrame(r)
		switch {
		case err == nil:
			lastOffset = f.offset
			validSize += n
		case errors.Is(err, errBadCRC):
			// the frame occupies space even though its payload is unusable
			validSize += n
		case err == io.EOF, errors.Is(err, errTornFrame), errors.Is(err, errFrameLimit):
			return lastOffset, validSize, nil
		default:
			return 0, 0, err
		}
	}
}

// firstOffset returns the offset of the first frame of a segment, or 0 when
// the segment holds no complete frame.
func firstOffset(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var hdr [headerSize]byte
	if _, err := io.ReadFull(file, hdr[:]); err != nil {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(hdr[0:8]), nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, segmentName(id))
}
