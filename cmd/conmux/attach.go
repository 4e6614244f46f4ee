package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/conmux/conmux/internal/console"
)

// detachByte ends an attach session locally (Ctrl-]). Unlike the ~B escape
// it never reaches the console.
const detachByte = 0x1d

func newAttachCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <console-id>",
		Short: "Attach the local terminal to a console",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			conn, err := net.Dial("unix", console.SocketPath(id))
			if err != nil {
				return fmt.Errorf("failed to connect to console %s: %w", id, err)
			}
			defer conn.Close()

			color.Green("Connected to console %s (detach: Ctrl-], break: <Enter>~B)", id)

			stdinFd := int(os.Stdin.Fd())
			raw := term.IsTerminal(stdinFd)
			if raw {
				oldState, err := term.MakeRaw(stdinFd)
				if err != nil {
					return fmt.Errorf("failed to set terminal to raw mode: %w", err)
				}
				defer func() {
					_ = term.Restore(stdinFd, oldState)
					fmt.Println()
				}()
			}

			done := make(chan error, 1)
			go func() {
				_, err := io.Copy(os.Stdout, conn)
				done <- err
			}()

			go func() {
				done <- forwardStdin(conn)
			}()

			if err := <-done; err != nil && err != io.EOF {
				return err
			}
			color.Yellow("Detached from console %s", id)
			return nil
		},
	}
	return cmd
}

// forwardStdin copies stdin to the console connection until the detach byte
// is seen. Returns nil on detach or stdin EOF.
func forwardStdin(conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachByte); i >= 0 {
				if i > 0 {
					if _, werr := conn.Write(chunk[:i]); werr != nil {
						return werr
					}
				}
				return nil
			}
			if _, werr := conn.Write(chunk); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
