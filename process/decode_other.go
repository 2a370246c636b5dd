//go:build !windows

package process

func defaultDecoder() Decoder { return UTF8 }
