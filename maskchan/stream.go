package maskchan

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// TruncatedStreamError is returned when a mask or channel stream ends before
// a complete field could be read.
type TruncatedStreamError struct {
	Field string // name of the field being read
	Want  int    // bytes required
	Got   int    // bytes actually available
}

func (e *TruncatedStreamError) Error() string {
	return fmt.Sprintf("truncated stream reading %s: wanted %d bytes, got %d", e.Field, e.Want, e.Got)
}

// StreamReader reads little-endian primitives from a buffered stream.
type StreamReader struct {
	r   *bufio.Reader
	buf [8]byte
	n   int64 // bytes consumed
}

// NewStreamReader returns a StreamReader over r.
func NewStreamReader(r io.Reader) *StreamReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &StreamReader{r: br}
	}
	return &StreamReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Offset returns the number of bytes consumed so far.
func (s *StreamReader) Offset() int64 {
	return s.n
}

// ReadFull fills b completely or returns a *TruncatedStreamError.
func (s *StreamReader) ReadFull(field string, b []byte) error {
	got, err := io.ReadFull(s.r, b)
	s.n += int64(got)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &TruncatedStreamError{Field: field, Want: len(b), Got: got}
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", field, err)
	}
	return nil
}

// readChunk bounds the up-front allocation of ReadBytes.
const readChunk = 1 << 20

// ReadBytes reads exactly n bytes.  The result grows as data arrives, so a
// corrupt length cannot force a huge allocation before the stream runs out.
func (s *StreamReader) ReadBytes(field string, n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("reading %s: negative length %d", field, n)
	}
	if n <= readChunk {
		b := make([]byte, n)
		if err := s.ReadFull(field, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	var buf bytes.Buffer
	buf.Grow(readChunk)
	got, err := buf.ReadFrom(io.LimitReader(s.r, n))
	s.n += got
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", field, err)
	}
	if got < n {
		return nil, &TruncatedStreamError{Field: field, Want: int(n), Got: int(got)}
	}
	return buf.Bytes(), nil
}

func (s *StreamReader) ReadInt64(field string) (int64, error) {
	if err := s.ReadFull(field, s.buf[:8]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(s.buf[:8])), nil
}

func (s *StreamReader) ReadFloat32(field string) (float32, error) {
	if err := s.ReadFull(field, s.buf[:4]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(s.buf[:4])), nil
}

func (s *StreamReader) ReadUint8(field string) (uint8, error) {
	if err := s.ReadFull(field, s.buf[:1]); err != nil {
		return 0, err
	}
	return s.buf[0], nil
}

// StreamWriter is the little-endian counterpart of StreamReader.  The first
// error is sticky and returned by Err.
type StreamWriter struct {
	w   io.Writer
	buf [8]byte
	err error
}

func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

func (s *StreamWriter) write(b []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.Write(b)
}

func (s *StreamWriter) WriteInt64(v int64) {
	binary.LittleEndian.PutUint64(s.buf[:8], uint64(v))
	s.write(s.buf[:8])
}

func (s *StreamWriter) WriteFloat32(v float32) {
	binary.LittleEndian.PutUint32(s.buf[:4], math.Float32bits(v))
	s.write(s.buf[:4])
}

func (s *StreamWriter) WriteUint8(v uint8) {
	s.buf[0] = v
	s.write(s.buf[:1])
}

func (s *StreamWriter) WriteBytes(b []byte) {
	s.write(b)
}

// Err returns the first write error, if any.
func (s *StreamWriter) Err() error {
	return s.err
}
