// Package process supervises a single child process and captures its output.
//
// A Handle launches an executable with its standard output and standard error
// merged into one pipe. A background pump reads the pipe in fixed-size chunks,
// strips ANSI escape sequences, splits the stream into lines and forwards each
// line to a Logger as "[name] text".
//
// The lifecycle is deliberately small: Start (or Create), IsRunning and Stop.
// Stop kills the child unconditionally and blocks until the pump has exited and
// every OS resource has been released, so no line for a handle is ever logged
// after Stop returns.
//
// Spawning is implemented for Windows and for unix-like systems. On every other
// platform the handle silently reports that nothing is running.
package process
