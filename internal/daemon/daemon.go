//go:build !windows

/* usbipd - USB/IP server
 *
 * Daemonization and the single-instance lock file, generalized from the
 * teacher's daemon.go. CloseStdInOutErr's portable dup2-via-cgo workaround
 * isn't needed here -- this module only targets Go toolchains where
 * syscall.Dup2 is available -- so plain syscall.Dup2 replaces it.
 */

package daemon

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode"
)

// CloseStdInOutErr redirects stdin/stdout/stderr to /dev/null, used by the
// background copy of the process once it has reported successful startup
// to its parent.
func CloseStdInOutErr() error {
	nul, err := syscall.Open(os.DevNull, syscall.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %q: %w", os.DevNull, err)
	}
	defer syscall.Close(nul)

	syscall.Dup2(nul, 0)
	syscall.Dup2(nul, 1)
	syscall.Dup2(nul, 2)

	return nil
}

// Background re-executes the current program detached from the controlling
// terminal, stripping flag from its argument list, and waits for the child
// to either report successful startup (silence on stderr) or fail (text on
// stderr, which is surfaced as this call's error).
func Background(exe string, flag string) error {
	rstdout, wstdout, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}

	rstderr, wstderr, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("pipe: %w", err)
	}

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("open %q: %w", os.DevNull, err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Files: []*os.File{devnull, wstdout, wstderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	args := make([]string, 0, len(os.Args))
	for _, arg := range os.Args {
		if arg != flag {
			args = append(args, arg)
		}
	}

	proc, err := os.StartProcess(exe, args, attr)
	if err != nil {
		return err
	}

	wstdout.Close()
	wstderr.Close()

	var stdout, stderr bytes.Buffer
	io.Copy(&stdout, rstdout)
	io.Copy(&stderr, rstderr)

	if stdout.Len() != 0 {
		os.Stdout.Write(stdout.Bytes())
	}

	if stderr.Len() > 0 {
		msg := strings.TrimFunc(stderr.String(), unicode.IsSpace)
		proc.Kill()
		return errors.New(msg)
	}

	proc.Release()
	return nil
}

// AcquireInstanceLock opens (creating if necessary) and locks the
// single-instance lock file at path, returning ErrLockIsBusy if another
// usbipd process already holds it. The returned file must be kept open,
// not closed, for as long as the lock should be held.
func AcquireInstanceLock(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	if err := Lock(file, false); err != nil {
		file.Close()
		return nil, err
	}

	return file, nil
}

// ReleaseInstanceLock unlocks and closes a file returned by
// AcquireInstanceLock.
func ReleaseInstanceLock(file *os.File) {
	Unlock(file)
	file.Close()
}
