//go:build windows

package process

import (
	"golang.org/x/sys/windows"
)

// cpACP is the system default ANSI code page.
const cpACP = 0

func defaultDecoder() Decoder { return DecoderFunc(decodeANSI) }

// decodeANSI converts from the ANSI code page, falling back to UTF-8 when the
// conversion fails.
func decodeANSI(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n, err := windows.MultiByteToWideChar(cpACP, 0, &b[0], int32(len(b)), nil, 0)
	if err != nil || n <= 0 {
		return decodeUTF8(b)
	}
	wide := make([]uint16, n)
	if _, err := windows.MultiByteToWideChar(cpACP, 0, &b[0], int32(len(b)), &wide[0], n); err != nil {
		return decodeUTF8(b)
	}
	return windows.UTF16ToString(wide)
}
