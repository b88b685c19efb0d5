package simulate

// UTF8Decoder reassembles multi-byte UTF-8 sequences from a byte-at-a-time
// UART stream. Emulated peripherals deliver single bytes, so a decoder
// instance buffers lead and continuation bytes until a full rune arrives.
// Sequences up to three bytes are recognized; each callback registration gets
// its own decoder because the state is per-stream.
type UTF8Decoder struct {
	remaining int
	buf       []byte
}

// NewUTF8Decoder creates an empty decoder
func NewUTF8Decoder() *UTF8Decoder {
	return &UTF8Decoder{}
}

// Wrap returns a byte callback that invokes inner with decoded strings. ASCII
// bytes pass through immediately; lead bytes open a sequence and continuation
// bytes extend it, with inner invoked once the sequence completes. A stray
// continuation byte with no open sequence is dropped.
func (d *UTF8Decoder) Wrap(inner func(string)) func(byte) {
	const (
		lead3Mask = 0b11110000
		lead2Mask = 0b11100000
		highBit   = 0b10000000
		lead2     = 0b11000000
		lead3     = 0b11100000
	)

	return func(b byte) {
		switch {
		case b&lead3Mask == lead3:
			d.remaining = 2
			d.buf = append(d.buf[:0], b)

		case b&lead2Mask == lead2:
			d.remaining = 1
			d.buf = append(d.buf[:0], b)

		case b&highBit != 0:
			if d.remaining == 0 {
				d.buf = d.buf[:0]
				return
			}
			d.remaining--
			d.buf = append(d.buf, b)
			if d.remaining == 0 {
				inner(string(d.buf))
				d.buf = d.buf[:0]
			}

		default:
			inner(string(rune(b)))
		}
	}
}
