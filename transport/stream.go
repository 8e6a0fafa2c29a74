package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/c360/sessionsync/errors"
	"github.com/c360/sessionsync/event"
)

// readStream consumes a text/event-stream body, flattening each data frame
// into event.Raw. Parse failures are reported and skipped. Returns when the
// body ends or ctx is cancelled.
func (b *base) readStream(ctx context.Context, body io.Reader, source string) {
	reader := bufio.NewReader(body)
	var data bytes.Buffer

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 {
			b.consumeLine(ctx, strings.TrimRight(line, "\r\n"), &data, source)
		}
		if err != nil {
			// Flush a frame the server never terminated.
			b.dispatchFrame(ctx, &data, source)
			if err != io.EOF && ctx.Err() == nil {
				b.emitError(errors.WrapTransient(err, "transport", source, "read stream"))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// consumeLine handles one event-stream line. A blank line terminates the
// frame; data lines accumulate; comment, id and event fields are ignored
// because all servers here put the full envelope in data.
func (b *base) consumeLine(ctx context.Context, line string, data *bytes.Buffer, source string) {
	switch {
	case line == "":
		b.dispatchFrame(ctx, data, source)
	case strings.HasPrefix(line, ":"):
		// keep-alive comment
	case strings.HasPrefix(line, "data:"):
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
}

// dispatchFrame parses the accumulated data frame and emits the result.
func (b *base) dispatchFrame(ctx context.Context, data *bytes.Buffer, source string) {
	if data.Len() == 0 {
		return
	}
	payload := data.Bytes()
	data.Reset()

	b.parseAndEmit(ctx, payload, source)
}

// parseAndEmit flattens one wire message into event.Raw. Shared with the
// websocket and relay variants, which deliver framed messages directly.
func (b *base) parseAndEmit(ctx context.Context, payload []byte, source string) {
	raw, err := event.ParseWire(payload)
	if err != nil {
		b.emitError(err)
		return
	}
	raw.Source = source
	b.emitEvent(ctx, raw)
}
