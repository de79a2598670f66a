package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/raphaelgruber/davechat/internal/models"
)

// Decoder turns arbitrary chunks of a text/event-stream body into frame
// payloads. Partial lines are buffered across chunks and a frame is only
// emitted once its terminating blank line has arrived.
type Decoder struct {
	buf  []byte
	data []string
}

// Feed consumes one chunk and returns the payloads of every frame it completed.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var frames []string
	consumed := 0
	for {
		i := bytes.IndexByte(d.buf[consumed:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[consumed : consumed+i]
		consumed += i + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if len(line) == 0 {
			if len(d.data) > 0 {
				frames = append(frames, strings.Join(d.data, "\n"))
				d.data = d.data[:0]
			}
			continue
		}

		// Only data lines carry payload; event:, id:, retry: and comments are ignored.
		if value, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			value = bytes.TrimPrefix(value, []byte(" "))
			d.data = append(d.data, string(value))
		}
	}

	if consumed > 0 {
		d.buf = append(d.buf[:0], d.buf[consumed:]...)
	}
	return frames
}

// Pending reports whether undelimited input is still buffered.
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0 || len(d.data) > 0
}

// FrameParseError describes a frame that could not be decoded into an event.
type FrameParseError struct {
	Payload string
	Err     error
}

func (e *FrameParseError) Error() string {
	return fmt.Sprintf("parse frame %q: %v", truncate(e.Payload, 80), e.Err)
}

func (e *FrameParseError) Unwrap() error {
	return e.Err
}

// ParseEvent decodes one frame payload.
func ParseEvent(payload string) (models.StreamEvent, error) {
	var ev models.StreamEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.StreamEvent{}, &FrameParseError{Payload: payload, Err: err}
	}
	if !ev.Type.Known() {
		return models.StreamEvent{}, &FrameParseError{
			Payload: payload,
			Err:     fmt.Errorf("unknown event type %q", ev.Type),
		}
	}
	return ev, nil
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
