package process

import (
	"bytes"
	"iter"
)

const (
	asciiBEL = 0x07
	asciiESC = 0x1b
)

type filterState uint8

const (
	stateNormal    filterState = iota
	stateEscape                // ESC seen
	stateCSI                   // ESC [ ... waiting for a final byte
	stateOSC                   // ESC ] ... waiting for BEL or ESC \
	stateOSCEscape             // ESC seen inside an OSC string
)

// Assembler turns raw output chunks into text lines. It drops CSI and OSC
// escape sequences as well as two-byte escapes, and treats both '\n' and '\r'
// as line terminators. Empty lines are never produced, so "\r\n" ends exactly
// one line.
//
// State is kept between calls, so escape sequences and lines may span chunks.
// Raw bytes are decoded only once a line is complete.
//
// An Assembler is not safe for concurrent use.
type Assembler struct {
	state   filterState
	line    bytes.Buffer
	decoder Decoder
}

// NewAssembler returns an Assembler decoding completed lines with d.
// A nil d selects the platform default.
func NewAssembler(d Decoder) *Assembler {
	if d == nil {
		d = defaultDecoder()
	}
	return &Assembler{decoder: d}
}

// Lines consumes chunk and yields every line it completes. The sequence is
// single-use: ranging over it feeds chunk into the assembler, and stopping
// early discards the rest of the chunk.
func (a *Assembler) Lines(chunk []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, c := range chunk {
			line, ok := a.feed(c)
			if ok && !yield(line) {
				return
			}
		}
	}
}

// Flush returns the pending partial line, if any, and resets the assembler.
func (a *Assembler) Flush() (string, bool) {
	a.state = stateNormal
	return a.take()
}

func (a *Assembler) feed(c byte) (string, bool) {
	switch a.state {
	case stateNormal:
		switch c {
		case asciiESC:
			a.state = stateEscape
		case '\n', '\r':
			return a.take()
		default:
			a.line.WriteByte(c)
		}
	case stateEscape:
		switch c {
		case '[':
			a.state = stateCSI
		case ']':
			a.state = stateOSC
		default:
			a.state = stateNormal
		}
	case stateCSI:
		if c >= 0x40 && c <= 0x7e {
			a.state = stateNormal
		}
	case stateOSC:
		switch c {
		case asciiBEL:
			a.state = stateNormal
		case asciiESC:
			a.state = stateOSCEscape
		}
	case stateOSCEscape:
		switch c {
		case '\\', asciiBEL:
			a.state = stateNormal
		case asciiESC:
		default:
			a.state = stateOSC
		}
	}
	return "", false
}

func (a *Assembler) take() (string, bool) {
	if a.line.Len() == 0 {
		return "", false
	}
	text := a.decoder.Decode(a.line.Bytes())
	a.line.Reset()
	return text, text != ""
}
