//go:build !unix && !windows

package process

func platformLauncher() Launcher { return NopLauncher{} }

func isBrokenPipe(error) bool { return false }
