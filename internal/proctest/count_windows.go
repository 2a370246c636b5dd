//go:build windows

package proctest

import (
	"errors"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/windows"
)

// CountByExe returns the number of running processes whose executable
// basename matches exeName (case-insensitive).
func CountByExe(exeName string) (int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return 0, err
	}
	defer windows.CloseHandle(snap)

	var pe windows.ProcessEntry32
	pe.Size = uint32(unsafe.Sizeof(pe))

	if err := windows.Process32First(snap, &pe); err != nil {
		return 0, err
	}

	want := strings.ToLower(exeName)
	count := 0
	for {
		name := windows.UTF16ToString(pe.ExeFile[:])
		if strings.ToLower(filepath.Base(name)) == want {
			count++
		}
		if err := windows.Process32Next(snap, &pe); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				return count, nil
			}
			return count, err
		}
	}
}
