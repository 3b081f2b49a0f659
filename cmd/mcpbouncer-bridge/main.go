// mcpbouncer-bridge is a thin stdio <-> Unix-socket pipe for MCP clients
// that only speak stdio: it dials the bouncer's socket, forwards stdin to
// it, and forwards its replies to stdout. No protocol awareness, no
// business logic.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <socket-path>\n", os.Args[0])
		os.Exit(2)
	}

	conn, err := net.Dial("unix", os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
	defer conn.Close()

	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(conn, os.Stdin)
		if uc, ok := conn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(os.Stdout, conn)
		done <- struct{}{}
	}()

	<-done
}
