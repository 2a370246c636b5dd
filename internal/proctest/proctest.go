// Package proctest builds and inspects the helper binaries that tests run as
// supervised children.
package proctest

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
)

// BuildChatter compiles test-service/chatter into a temporary directory and
// returns the path of the binary.
func BuildChatter(t testing.TB) string {
	t.Helper()
	name := "chatter"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	out := filepath.Join(t.TempDir(), name)
	if err := goBuild("github.com/mrexodia/pipewatch/test-service/chatter", out); err != nil {
		t.Fatal(err)
	}
	return out
}

func goBuild(pkg, out string) error {
	cmd := exec.Command("go", "build", "-o", out, pkg)
	b, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w\n%s", err, string(b))
	}
	return nil
}
