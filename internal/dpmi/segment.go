package dpmi

import "io"

// SegmentWriter writes sequentially into a segment starting at an offset. It
// stands in for a far pointer used as the buffer of a large read.
type SegmentWriter struct {
	host Host
	sel  Selector
	off  int64
}

// NewSegmentWriter returns a writer whose first byte lands at sel:off.
func NewSegmentWriter(host Host, sel Selector, off int64) *SegmentWriter {
	return &SegmentWriter{host: host, sel: sel, off: off}
}

func (w *SegmentWriter) Write(p []byte) (int, error) {
	n, err := w.host.WriteAt(w.sel, p, w.off)
	w.off += int64(n)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Offset returns the segment offset of the next byte written.
func (w *SegmentWriter) Offset() int64 {
	return w.off
}

var _ io.Writer = &SegmentWriter{}
