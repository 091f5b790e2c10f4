package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ServeStdio runs the line-framed JSON request/response stream: one request
// object per line on in, one response per line on out. Responses may
// interleave across requests; the correlation id pairs them.
func (d *Dispatcher) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var outMu sync.Mutex
	enc := json.NewEncoder(out)
	write := func(resp Response) {
		outMu.Lock()
		defer outMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			slog.Default().Error("stdio write failed", "err", err)
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(Response{Error: &ProtocolError{Code: "VALIDATION", Message: "malformed request: " + err.Error()}})
			continue
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			write(d.Handle(ctx, req))
		}(req)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
