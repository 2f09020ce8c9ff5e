package main

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/cagerun/cage/internal/pipe"
)

// AttachCmd opens a local pty and bridges it through one of the runtime's
// in-process pipe slots, the same slot type the broker's pipe()/sysPipe
// wires a cage's stdio through (§4.7). There is no real subprocess on the
// other end here — the slot's write end is looped back to its read end —
// so this command exercises the attach idiom (raw-mode terminal, pty
// bridging, the way the teacher's mux_client/mux_server attach a shell to a
// running sandbox) without a running cage to attach to.
type AttachCmd struct{}

func (cmd *AttachCmd) Run(ctx *Context) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("open pty: %w", err)
	}
	defer ptmx.Close()
	defer tty.Close()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	slots := pipe.NewSet()
	idx, err := slots.Alloc()
	if err != nil {
		return fmt.Errorf("alloc console slot: %w", err)
	}
	slot := slots.Slot(idx)
	defer slots.Release(idx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				slot.Write(buf[:n])
			}
			if err != nil {
				slot.CloseWrite()
				return
			}
		}
	}()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := slot.Read(buf)
			if n == 0 && err == nil {
				return
			}
			if n > 0 {
				if _, werr := ptmx.Write(buf[:n]); werr != nil {
					return
				}
			}
		}
	}()

	fmt.Fprintln(os.Stderr, "attached; type to echo through the console pipe slot, ctrl-D to exit")
	_, err = io.Copy(ptmx, os.Stdin)
	<-done
	return err
}
