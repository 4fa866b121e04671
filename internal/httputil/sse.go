package httputil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxSSELine = 1 << 20

// ErrStopStream can be returned from an SSE callback to end reading without error.
var ErrStopStream = errors.New("stop stream")

// ErrTruncatedStream reports a body that ended before the vendor's terminal event.
var ErrTruncatedStream = errors.New("stream ended before its terminal event")

// SSEEvent is one server-sent event. Name is empty for unnamed events.
type SSEEvent struct {
	Name string
	Data string
}

// ReadSSE reads events from r until EOF, ctx is done, or fn returns an error.
// Multi-line data fields are joined with newlines.
func ReadSSE(ctx context.Context, r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	var ev SSEEvent
	var data []string

	dispatch := func() error {
		if len(data) == 0 {
			ev = SSEEvent{}
			return nil
		}
		ev.Data = strings.Join(data, "\n")
		err := fn(ev)
		ev = SSEEvent{}
		data = data[:0]
		return err
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return stopOrErr(err)
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("scan error: %w", err)
	}
	return stopOrErr(dispatch())
}

func stopOrErr(err error) error {
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	return err
}

// ReadErrorBody returns at most 4KB of a failed response body.
func ReadErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return string(b)
}
