package codec

import "errors"

var (
	// ErrTruncated is returned when a read runs past the end of the input.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrPadding is returned when the trailing pad bits of a message are not zero.
	ErrPadding = errors.New("codec: nonzero padding bits")
	// ErrTrailingBytes is returned when a message decodes cleanly but input remains.
	ErrTrailingBytes = errors.New("codec: trailing bytes after message")
	// ErrWidth is returned for field widths outside 1..64.
	ErrWidth = errors.New("codec: invalid field width")
)

// bitWriter packs big-endian fields at bit granularity. The most significant
// bit of each field lands first, and the most significant free bit of the
// current byte is filled next. Output is zero-padded to a byte boundary.
type bitWriter struct {
	buf []byte
	n   uint // total bits written
}

func (w *bitWriter) writeBit(b uint64) {
	idx := w.n >> 3
	if idx == uint(len(w.buf)) {
		w.buf = append(w.buf, 0)
	}
	if b != 0 {
		w.buf[idx] |= 1 << (7 - w.n&7)
	}
	w.n++
}

// writeUint appends the low `width` bits of v, most significant first.
func (w *bitWriter) writeUint(v uint64, width uint) {
	for i := int(width) - 1; i >= 0; i-- {
		w.writeBit((v >> uint(i)) & 1)
	}
}

// writeBytes appends b as 8*len(b) bits.
func (w *bitWriter) writeBytes(b []byte) {
	if w.n&7 == 0 {
		w.buf = append(w.buf, b...)
		w.n += uint(len(b)) * 8
		return
	}
	for _, c := range b {
		w.writeUint(uint64(c), 8)
	}
}

// bytes returns the packed output. Pad bits are zero by construction.
func (w *bitWriter) bytes() []byte {
	return w.buf
}

// bitReader is the matching big-endian bit-granular reader.
type bitReader struct {
	buf []byte
	pos uint // bits consumed
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{buf: buf}
}

func (r *bitReader) remaining() uint {
	return uint(len(r.buf))*8 - r.pos
}

func (r *bitReader) readBit() (uint64, error) {
	if r.pos >= uint(len(r.buf))*8 {
		return 0, ErrTruncated
	}
	b := uint64(r.buf[r.pos>>3]>>(7-r.pos&7)) & 1
	r.pos++
	return b, nil
}

func (r *bitReader) readUint(width uint) (uint64, error) {
	if width == 0 || width > 64 {
		return 0, ErrWidth
	}
	if r.remaining() < width {
		return 0, ErrTruncated
	}
	var v uint64
	for i := uint(0); i < width; i++ {
		bit, _ := r.readBit()
		v = v<<1 | bit
	}
	return v, nil
}

func (r *bitReader) readBytes(n int) ([]byte, error) {
	if r.remaining() < uint(n)*8 {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	if r.pos&7 == 0 {
		start := r.pos >> 3
		copy(out, r.buf[start:start+uint(n)])
		r.pos += uint(n) * 8
		return out, nil
	}
	for i := 0; i < n; i++ {
		v, _ := r.readUint(8)
		out[i] = byte(v)
	}
	return out, nil
}

// expectEnd verifies that only zero pad bits remain. A whole unread byte or a
// set pad bit is a decode failure.
func (r *bitReader) expectEnd() error {
	rem := r.remaining()
	if rem >= 8 {
		return ErrTrailingBytes
	}
	for rem > 0 {
		bit, _ := r.readBit()
		if bit != 0 {
			return ErrPadding
		}
		rem--
	}
	return nil
}
