// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxEventBytes bounds a single SSE data line. Tool outputs are
// truncated backend-side well below this; anything larger indicates a
// corrupt stream.
const maxEventBytes = 4 << 20

// ReadStream connects to the backend's event stream at endpoint and
// delivers decoded events to deliver, in arrival order, until the
// stream ends or ctx is cancelled. Cancelling ctx aborts the in-flight
// read immediately via the request context.
//
// A clean EOF is still returned as an error: the stream is long-lived
// by design, so any termination is a disconnect the caller should
// recover from (the multiplexer reconnects with backoff).
func ReadStream(ctx context.Context, httpClient *http.Client, endpoint string, deliver func(Event)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/v1/events", nil)
	if err != nil {
		return fmt.Errorf("backend: building stream request: %w", err)
	}
	request.Header.Set("Accept", "text/event-stream")

	response, err := httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("backend: opening event stream: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("backend: event stream returned HTTP %d", response.StatusCode)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	// SSE framing: "event: <name>" and "data: <json>" lines, frames
	// separated by a blank line. Comment lines (leading colon) are
	// keep-alives and are skipped.
	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" && data.Len() > 0 {
				event, err := DecodeEvent(eventName, []byte(data.String()))
				if err != nil {
					return err
				}
				deliver(event)
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("backend: event stream read: %w", err)
	}
	return fmt.Errorf("backend: event stream ended: %w", io.EOF)
}
