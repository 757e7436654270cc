package debug

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Debug is a binary trace of the bootstrap. Every record carries a kind, a
// source (the stage or service that produced it), a timestamp and a payload.
//
// Record layout, little endian:
//   - 2 bytes kind (0 = invalid, 1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes
//
// Writers reserve space by atomically advancing the file offset, so records
// never interleave even when written from several goroutines.

const headerSize = 16

// maxDataLength bounds a single payload on read so a corrupt header cannot
// ask for gigabytes.
const maxDataLength = 16 << 20

type DebugKind uint16

const (
	DebugKindInvalid DebugKind = iota
	DebugKindBytes
	DebugKindString
)

func (k DebugKind) String() string {
	switch k {
	case DebugKindBytes:
		return "bytes"
	case DebugKindString:
		return "string"
	default:
		return "invalid"
	}
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

// OpenFile truncates filename and starts tracing into it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts tracing into w. The error is a warning: a previous writer was
// still open and has been discarded.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Buffer is an in-memory trace target.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(b.data)) {
		b.data = append(b.data, make([]byte, end-int64(len(b.data)))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Close() error {
	return nil
}

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]byte(nil), b.data...)
}

// OpenMemory starts tracing into a fresh Buffer.
func OpenMemory() (*Buffer, error) {
	buf := &Buffer{}
	if err := Open(buf); err != nil {
		return buf, err
	}
	return buf, nil
}

// Enabled reports whether a trace writer is open.
func Enabled() bool {
	return fh.Load() != nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

func encodeHeader(kind DebugKind, source string, data []byte, ts int64) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts))
	return header
}

func decodeHeader(header [headerSize]byte) (kind DebugKind, sourceLength uint16, dataLength uint32, ts int64) {
	kind = DebugKind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func writeBytes(kind DebugKind, source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	size := int64(headerSize + len(source) + len(data))
	off := int64(offset.Add(uint64(size)) - uint64(size))

	record := make([]byte, 0, size)
	record = append(record, encodeHeader(kind, source, data, time.Now().UnixNano())...)
	record = append(record, source...)
	record = append(record, data...)
	if _, err := fh.w.WriteAt(record, off); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	writeBytes(DebugKindBytes, source, data)
}

func Write(source string, data string) {
	writeBytes(DebugKindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if fh.Load() == nil {
		return
	}
	writeBytes(DebugKindString, source, fmt.Appendf(nil, format, args...))
}

type Debug interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type debugImpl struct {
	source string
}

func (d *debugImpl) WriteBytes(data []byte) {
	writeBytes(DebugKindBytes, d.source, data)
}

func (d *debugImpl) Write(data string) {
	writeBytes(DebugKindString, d.source, []byte(data))
}

func (d *debugImpl) Writef(format string, args ...any) {
	Writef(d.source, format, args...)
}

func WithSource(source string) Debug {
	return &debugImpl{source: source}
}

// Entry is one decoded trace record.
type Entry struct {
	Time   time.Time
	Kind   DebugKind
	Source string
	Data   []byte
}

func (e Entry) String() string {
	if e.Kind == DebugKindBytes {
		return fmt.Sprintf("%s [%s] % x", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
	}
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
}

var errInvalidHeader = errors.New("debug: invalid record header")

// Reader decodes a trace in the order it was written.
type Reader struct {
	entries []Entry
}

// NewReader decodes every record in r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	ret := &Reader{}

	var off int64
	for {
		var headerBytes [headerSize]byte
		if _, err := io.ReadFull(br, headerBytes[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read header at %#x: %w", off, err)
		}
		kind, sourceLength, dataLength, ts := decodeHeader(headerBytes)
		if kind == DebugKindInvalid || dataLength > maxDataLength {
			return nil, fmt.Errorf("%w at %#x", errInvalidHeader, off)
		}

		body := make([]byte, int(sourceLength)+int(dataLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("read record at %#x: %w", off, err)
		}
		ret.entries = append(ret.entries, Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLength]),
			Data:   body[sourceLength:],
		})
		off += int64(headerSize) + int64(len(body))
	}

	return ret, nil
}

// NewReaderFromFile decodes the trace stored in filename.
func NewReaderFromFile(filename string) (*Reader, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	return NewReader(f)
}

// Each calls fn for every record in write order.
func (r *Reader) Each(fn func(e Entry) error) error {
	for _, e := range r.entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// EachSource calls fn for every record whose source equals source or lies
// below it ("stub" matches "stub/negotiate").
func (r *Reader) EachSource(source string, fn func(e Entry) error) error {
	return r.Each(func(e Entry) error {
		if e.Source == source || strings.HasPrefix(e.Source, source+"/") {
			return fn(e)
		}
		return nil
	})
}

// Sources returns each distinct source in order of first appearance.
func (r *Reader) Sources() []string {
	seen := make(map[string]bool)
	var sources []string
	for _, e := range r.entries {
		if !seen[e.Source] {
			seen[e.Source] = true
			sources = append(sources, e.Source)
		}
	}
	return sources
}

// Len returns the number of records.
func (r *Reader) Len() int {
	return len(r.entries)
}
