package vmbe

// ABOUTME: Interactive console into the VM. Runs tart exec on a local
// ABOUTME: pty so the remote shell gets a real terminal, with the
// ABOUTME: caller's terminal switched to raw mode for the duration.

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// interactive runs cmd inside the VM with the caller's terminal attached.
func (a *Adapter) interactive(ctx context.Context, name string, cmd []string) error {
	args := append([]string{"exec", name}, cmd...)
	c := exec.CommandContext(ctx, a.tartBin, args...) //nolint:gosec // G204: name and cmd come from validated instance state

	ptmx, err := pty.Start(c)
	if err != nil {
		return fmt.Errorf("start console pty: %w", err)
	}
	defer ptmx.Close() //nolint:errcheck // best-effort

	// Track terminal size changes for the lifetime of the session.
	resize := make(chan os.Signal, 1)
	signal.Notify(resize, unix.SIGWINCH)
	defer signal.Stop(resize)
	go func() {
		for range resize {
			_ = pty.InheritSize(os.Stdin, ptmx)
		}
	}()
	resize <- unix.SIGWINCH // initial size

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("set raw terminal: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState) //nolint:errcheck // best-effort

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	return c.Wait()
}
