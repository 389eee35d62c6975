package agent

import (
	"encoding/json"
	"strings"
)

// ParsedLine is the classification of one output line.
type ParsedLine struct {
	// Display is the human-readable text for this line ("" if none)
	Display string
	// Result is the terminal result payload, valid only when HasResult
	Result string
	// HasResult marks this line as carrying the run's result payload
	HasResult bool
}

// StreamParser classifies agent output lines incrementally. Implementations
// must be safe to drive line-by-line; they see each line exactly once, in
// order.
type StreamParser interface {
	ParseLine(line string) ParsedLine
}

// TextParser treats every line as display text. Used when the agent runs
// with --output-format text.
type TextParser struct{}

func (TextParser) ParseLine(line string) ParsedLine {
	return ParsedLine{Display: line}
}

// StreamJSONParser decodes the agent's --output-format stream-json
// protocol: one JSON object per line. Assistant message content becomes
// display text; the final "result" object carries the result payload.
// Lines that fail to decode are passed through as display text so nothing
// the process printed is ever silently dropped.
type StreamJSONParser struct{}

// streamMessage is the subset of the stream-json envelope we consume.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Result  string `json:"result,omitempty"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content"`
	} `json:"message"`
}

func (StreamJSONParser) ParseLine(line string) ParsedLine {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return ParsedLine{}
	}
	if !strings.HasPrefix(trimmed, "{") {
		return ParsedLine{Display: line}
	}

	var msg streamMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return ParsedLine{Display: line}
	}

	switch msg.Type {
	case "assistant":
		var parts []string
		for _, c := range msg.Message.Content {
			if c.Type == "text" && c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		return ParsedLine{Display: strings.Join(parts, "\n")}
	case "result":
		return ParsedLine{Display: "", Result: msg.Result, HasResult: true}
	case "system", "user":
		// Init banners and tool results are protocol noise, not transcript.
		return ParsedLine{}
	default:
		return ParsedLine{}
	}
}
