package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/rendis/draftflow/pkg/schema"
)

// maxFrameSize bounds a single SSE frame; node_finished payloads can carry
// large (truncated) output blobs.
const maxFrameSize = 5 * 1024 * 1024

// ErrMalformedFrame is returned by Decoder.Next for a data frame that is not
// valid JSON or carries no event tag. Callers skip these frames; they are not
// fatal to the stream.
var ErrMalformedFrame = errors.New("malformed stream frame")

// Decoder reads server-sent event frames and yields decoded envelopes in
// arrival order. Frames are `data: {json}` lines with the event tag inside
// the JSON body; bare `event:` lines and comments are tolerated and ignored.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{scanner: sc}
}

// Next returns the next envelope, io.EOF at end of stream, or
// ErrMalformedFrame for a skippable bad frame.
func (d *Decoder) Next() (*schema.EventEnvelope, error) {
	for d.scanner.Scan() {
		line := strings.TrimSpace(d.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// field lines other than data (event:, id:, retry:) carry nothing
			// we need; the tag travels inside the JSON body.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var env schema.EventEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, ErrMalformedFrame
		}
		if env.Event == "" {
			return nil, ErrMalformedFrame
		}
		return &env, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
