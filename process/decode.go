package process

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Decoder converts the raw bytes of one completed line to text.
type Decoder interface {
	Decode(b []byte) string
}

// DecoderFunc adapts an ordinary function to the Decoder interface.
type DecoderFunc func(b []byte) string

func (f DecoderFunc) Decode(b []byte) string { return f(b) }

// UTF8 decodes bytes as UTF-8, replacing invalid sequences with U+FFFD.
var UTF8 Decoder = DecoderFunc(decodeUTF8)

func decodeUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// NewDecoder returns a decoder for the named character set, such as
// "windows-1252" or "shift_jis". An empty name selects the platform default:
// the ANSI code page on Windows and UTF-8 elsewhere.
func NewDecoder(name string) (Decoder, error) {
	if name == "" {
		return defaultDecoder(), nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	return charsetDecoder{enc: enc}, nil
}

type charsetDecoder struct {
	enc encoding.Encoding
}

func (d charsetDecoder) Decode(b []byte) string {
	out, err := d.enc.NewDecoder().Bytes(b)
	if err != nil {
		return decodeUTF8(b)
	}
	return string(out)
}
