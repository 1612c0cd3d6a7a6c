package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Output framing markers. The agent inside the container wraps each result
// in a marker pair with a single line of JSON between them; everything else
// on stdout is noise and is ignored.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// Output statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// OutputBlock is one framed result from the agent.
type OutputBlock struct {
	Status    string          `json:"status"`
	Result    *string         `json:"result"`
	SessionID string          `json:"sessionId,omitempty"`
	Usage     json.RawMessage `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// frameParser is a line-fed state machine extracting framed output blocks
// from a stdout stream.
type frameParser struct {
	inBlock bool
	lines   []string
}

// feed consumes one stdout line. It returns a block when the line closes a
// frame, nil otherwise. A malformed frame body returns an error; the parser
// stays usable for subsequent frames.
func (p *frameParser) feed(line string) (*OutputBlock, error) {
	switch strings.TrimSpace(line) {
	case OutputStartMarker:
		// A start inside an open block abandons the partial frame.
		p.inBlock = true
		p.lines = p.lines[:0]
		return nil, nil
	case OutputEndMarker:
		if !p.inBlock {
			return nil, nil
		}
		p.inBlock = false
		body := strings.TrimSpace(strings.Join(p.lines, "\n"))
		p.lines = p.lines[:0]
		var block OutputBlock
		if err := json.Unmarshal([]byte(body), &block); err != nil {
			return nil, fmt.Errorf("malformed output block: %w", err)
		}
		if block.Status != StatusSuccess && block.Status != StatusError {
			return nil, fmt.Errorf("malformed output block: unknown status %q", block.Status)
		}
		return &block, nil
	default:
		if p.inBlock {
			p.lines = append(p.lines, line)
		}
		return nil, nil
	}
}
