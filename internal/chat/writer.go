package chat

import (
	"bufio"
	"log/slog"
	"net"
	"time"
)

// StartOutboundWriter drains out onto conn, one CRLF-terminated line per
// entry. The connection is closed when out is closed or a write fails. The
// returned channel is closed once the writer has exited.
func StartOutboundWriter(conn net.Conn, out <-chan string, timeout time.Duration, logger *slog.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()

		w := bufio.NewWriter(conn)
		for msg := range out {
			if timeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if _, err := w.WriteString(msg + lineTerminator); err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
			// Batch lines already queued behind this one into a single flush.
			if len(out) > 0 {
				continue
			}
			if err := w.Flush(); err != nil {
				logger.Debug("flush failed", "error", err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			logger.Debug("final flush failed", "error", err)
		}
	}()
	return done
}
