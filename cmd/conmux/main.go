// conmux is a serial-console multiplexer: it serves each configured
// console's byte stream over a UNIX-domain socket to any number of clients,
// and interprets <newline>~<key> escape sequences on client input.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "conmux",
		Short:   "Serial console multiplexer",
		Version: version,
		Long: `conmux multiplexes serial consoles over UNIX-domain sockets.

Each configured console attaches to a serial device (or a local PTY) and
listens on an abstract socket derived from its id. Connected clients all
see the same output stream; input from any client is forwarded to the
device. After a newline, "~B" sends a UART break and "~~" types a literal
tilde.`,
	}

	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newAttachCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
