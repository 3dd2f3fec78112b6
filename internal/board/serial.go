package board

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

// serialReadTimeout makes port reads return with zero bytes instead of
// blocking forever, so readUntil can observe its own deadline.
const serialReadTimeout = 100 * time.Millisecond

// SerialDialer returns a Dialer that opens the given serial port. The
// port path is validated on each dial so unplugging the cable reports
// disconnected instead of a cryptic open error.
func SerialDialer(port string, baud int) Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(port)
		if err != nil {
			return nil, fmt.Errorf("serial port %s not present: %w", port, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("serial port %s is a directory", port)
		}

		p, err := serial.Open(port, &serial.Mode{BaudRate: baud})
		if err != nil {
			return nil, fmt.Errorf("opening serial port %s: %w", port, err)
		}

		if err := p.SetReadTimeout(serialReadTimeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("setting read timeout on %s: %w", port, err)
		}

		// Drop any input buffered while no one was listening.
		_ = p.ResetInputBuffer()

		return p, nil
	}
}
