package process

import "strings"

// quotedChars are the characters that force an argument to be quoted on a
// Windows command line.
const quotedChars = " &()[]{}^=;!'+,`~"

// quoteArg wraps arg in double quotes when it contains a character from
// quotedChars. Embedded double quotes are not escaped.
func quoteArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if strings.ContainsAny(arg, quotedChars) {
		return `"` + arg + `"`
	}
	return arg
}

// commandLine builds the single command-line string used to create a process
// on Windows. Forward slashes in path become backslashes.
func commandLine(path string, args []string) string {
	var b strings.Builder
	b.WriteString(quoteArg(strings.ReplaceAll(path, "/", `\`)))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(quoteArg(arg))
	}
	return b.String()
}
