package shell

import "unicode/utf8"

// streamDecoder turns a byte stream into valid UTF-8 text across chunk
// boundaries. A multi-byte rune split between reads is held back until its
// remaining bytes arrive; bytes that cannot start or continue a valid rune
// come out as the replacement character.
type streamDecoder struct {
	carry []byte
}

func (d *streamDecoder) decode(data []byte) string {
	if len(d.carry) > 0 {
		data = append(d.carry, data...)
		d.carry = nil
	}

	var out []byte
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(data) && utf8.RuneStart(data[0]) {
				// Possibly a rune split across reads; wait for the rest.
				d.carry = append([]byte(nil), data...)
				break
			}
			out = utf8.AppendRune(out, utf8.RuneError)
			data = data[1:]
			continue
		}
		out = append(out, data[:size]...)
		data = data[size:]
	}
	return string(out)
}

// flush drains a held-back partial rune as one replacement character.
// Called once, at end of stream.
func (d *streamDecoder) flush() string {
	if len(d.carry) == 0 {
		return ""
	}
	d.carry = nil
	return string(utf8.RuneError)
}
