// Command chatter writes a fixed mix of plain text, terminal escape sequences
// and line endings to stdout and stderr. Tests use it as a supervised child.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"time"
)

func main() {
	child := flag.Bool("child", false, "run as a spawned child")
	spawn := flag.Bool("spawn", false, "spawn a long-lived child that inherits stdout")
	exitCode := flag.Int("exit", 0, "exit code")
	sleepMs := flag.Int("sleep", 0, "sleep ms before exiting")
	flag.Parse()

	if *child {
		fmt.Println("child-start")
		time.Sleep(30 * time.Second)
		os.Exit(0)
	}

	if *spawn {
		self, _ := os.Executable()
		cmd := exec.Command(self, "-child")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			fmt.Fprintln(os.Stderr, "spawn failed:", err)
			os.Exit(2)
		}
	}

	fmt.Print("a\nb\r\nc\n")
	fmt.Print("\x1b[31mred\x1b[0m\n")
	fmt.Print("\x1b]0;title\x07titled\n")
	fmt.Fprint(os.Stderr, "to-stderr\n")

	time.Sleep(time.Duration(*sleepMs) * time.Millisecond)
	os.Exit(*exitCode)
}
