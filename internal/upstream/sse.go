package upstream

import (
	"context"
	"io"
	"strings"
)

// ReadSSE parses a text/event-stream body and invokes handle for each
// data frame with its event type (empty when the server sends bare data
// lines). handle returning false stops the read early. The reader drains
// until EOF, ctx cancellation, or a read error.
func ReadSSE(ctx context.Context, r io.Reader, handle func(eventType, data string) bool) error {
	buf := make([]byte, 4096)
	leftover := ""
	eventType := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			data := leftover + string(buf[:n])
			lines := strings.Split(data, "\n")
			leftover = lines[len(lines)-1]
			lines = lines[:len(lines)-1]
			for _, line := range lines {
				line = strings.TrimRight(line, "\r")
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					eventType = ""
					continue
				}
				if strings.HasPrefix(trimmed, ":") {
					// comment / keepalive
					continue
				}
				if strings.HasPrefix(trimmed, "event:") {
					eventType = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
					continue
				}
				if !strings.HasPrefix(trimmed, "data:") {
					continue
				}
				payload := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
				if !handle(eventType, payload) {
					return nil
				}
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
