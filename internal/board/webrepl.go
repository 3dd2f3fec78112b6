package board

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"
)

// webreplLoginTimeout bounds the password exchange after the websocket
// is up.
const webreplLoginTimeout = 10 * time.Second

// WebREPLDialer returns a Dialer that connects to a MicroPython WebREPL
// endpoint (ws://host:8266/) and completes the password login, yielding
// the same terminal byte stream the serial link provides.
func WebREPLDialer(url, password string) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		ws, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing webrepl %s: %w", url, err)
		}

		// WebREPL terminal traffic is text frames. NetConn gives us
		// deadlines, which readUntil relies on.
		conn := websocket.NetConn(context.Background(), ws, websocket.MessageText)

		if err := webreplLogin(conn, password); err != nil {
			conn.Close()
			return nil, fmt.Errorf("webrepl login to %s: %w", url, err)
		}

		return conn, nil
	}
}

// webreplLogin waits for the password prompt, answers it, and confirms
// the session reached a REPL prompt.
func webreplLogin(conn net.Conn, password string) error {
	deadline := time.Now().Add(webreplLoginTimeout)

	if err := waitFor(conn, []byte("Password:"), deadline); err != nil {
		return fmt.Errorf("waiting for password prompt: %w", err)
	}

	if _, err := conn.Write([]byte(password + "\r")); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}

	if err := waitFor(conn, []byte("WebREPL connected"), deadline); err != nil {
		return fmt.Errorf("waiting for login confirmation: %w", err)
	}

	return nil
}

func waitFor(conn net.Conn, marker []byte, deadline time.Time) error {
	var acc []byte
	tmp := make([]byte, 256)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for %q", marker)
		}

		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))

		n, err := conn.Read(tmp)
		if n > 0 {
			acc = append(acc, tmp[:n]...)
			if bytes.Contains(acc, marker) {
				return nil
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return err
		}
	}
}
