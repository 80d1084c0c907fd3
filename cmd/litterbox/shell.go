package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// runInteractiveShell opens an interactive docker exec session against
// containerName and wires the host terminal to it via a pseudo-tty,
// the same StartWithSize/Setsize pattern used for interactive
// terminal sessions elsewhere in this codebase, narrowed here to a
// single attached session instead of a multiplexed one.
func runInteractiveShell(containerName string, argv []string) error {
	args := append([]string{"exec", "-it", containerName}, argv...)
	cmd := exec.Command("docker", args...)

	ws := &pty.Winsize{Rows: 24, Cols: 80}
	if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		ws.Cols, ws.Rows = uint16(w), uint16(h)
	}

	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return fmt.Errorf("start interactive shell: %w", err)
	}
	defer ptmx.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if w, h, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
				_ = pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(w), Rows: uint16(h)})
			}
		}
	}()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	_, _ = io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}
