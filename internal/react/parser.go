package react

import (
	"encoding/json"
	"strings"
)

// Recognized transcript prefixes. The completion backend is prompted to
// emit them verbatim at line starts.
const (
	prefixThought = "THOUGHT:"
	prefixAction  = "ACTION:"
	prefixInput   = "INPUT:"
	prefixAnswer  = "ANSWER:"
)

// parseStep extracts one step from a completion. Prefixed sections run
// until the next recognized prefix, so thoughts and answers may span
// lines. A thought-only completion is a valid step; ErrParse is reserved
// for output with no recognized section at all.
func parseStep(out string) (Step, error) {
	var step Step
	var rawInput string
	section := ""
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		switch section {
		case prefixThought:
			step.Thought = text
		case prefixAction:
			step.Action = text
		case prefixInput:
			rawInput = text
		case prefixAnswer:
			step.Answer = text
		}
	}

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, prefixThought):
			flush()
			section = prefixThought
			buf.WriteString(strings.TrimPrefix(trimmed, prefixThought))
		case strings.HasPrefix(trimmed, prefixAction):
			flush()
			section = prefixAction
			buf.WriteString(strings.TrimPrefix(trimmed, prefixAction))
		case strings.HasPrefix(trimmed, prefixInput):
			flush()
			section = prefixInput
			buf.WriteString(strings.TrimPrefix(trimmed, prefixInput))
		case strings.HasPrefix(trimmed, prefixAnswer):
			flush()
			section = prefixAnswer
			buf.WriteString(strings.TrimPrefix(trimmed, prefixAnswer))
		default:
			if section != "" {
				buf.WriteString("\n")
				buf.WriteString(line)
			}
		}
	}
	flush()

	if step.Thought == "" && step.Action == "" && step.Answer == "" {
		return step, ErrParse
	}
	if step.Action != "" {
		step.Input = parseInput(rawInput)
	}
	return step, nil
}

// parseInput decodes the INPUT section as a JSON object. Anything that is
// not a JSON object degrades to a single-field wrapper instead of failing
// the whole step.
func parseInput(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err == nil {
		return m
	}
	return map[string]any{"input": raw}
}

func marshalInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(raw)
}
