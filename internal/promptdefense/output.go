package promptdefense

import (
	"strings"

	"github.com/relaygate/relaygate/internal/apierr"
)

// leakedFragments is the fixed, case-insensitive fragment list Layer 5a
// scans LLM output for (spec §4.F).
var leakedFragments = []string{
	"you are a helpful assistant",
	"system prompt",
	"my instructions are",
	"i was instructed to",
	"as an ai language model, my instructions",
}

// internalTagNames is the fixed set of internal XML tag names Layer 5b
// scans for.
var internalTagNames = []string{
	"system_instructions",
	"internal_reasoning",
	"tool_context",
	"query_",
}

const redactedMarker = "[SYSTEM-REDACTED]"

// ScanOutput applies Layers 5a/5b to LLM output text. In strict mode any
// match fails the request with OutputPolicy; otherwise each match is
// replaced with redactedMarker.
func ScanOutput(text string, strict bool) (string, error) {
	lower := strings.ToLower(text)

	for _, fragment := range leakedFragments {
		if strings.Contains(lower, fragment) {
			if strict {
				return "", apierr.New(apierr.OutputPolicy, "layer5a: output contains a system-prompt leak")
			}
			text = redactCaseInsensitive(text, fragment)
			lower = strings.ToLower(text)
		}
	}

	for _, tag := range internalTagNames {
		openTag, closeTag := "<"+tag, "</"+tag
		if strings.Contains(lower, openTag) || strings.Contains(lower, closeTag) {
			if strict {
				return "", apierr.New(apierr.OutputPolicy, "layer5b: output contains an internal tag")
			}
			text = redactCaseInsensitive(text, openTag)
			text = redactCaseInsensitive(text, closeTag)
			lower = strings.ToLower(text)
		}
	}

	return text, nil
}

// redactCaseInsensitive replaces every case-insensitive occurrence of
// fragment in text with redactedMarker.
func redactCaseInsensitive(text, fragment string) string {
	if fragment == "" {
		return text
	}
	lowerText := strings.ToLower(text)
	lowerFragment := strings.ToLower(fragment)

	var b strings.Builder
	i := 0
	for {
		idx := strings.Index(lowerText[i:], lowerFragment)
		if idx < 0 {
			b.WriteString(text[i:])
			break
		}
		start := i + idx
		b.WriteString(text[i:start])
		b.WriteString(redactedMarker)
		i = start + len(fragment)
	}
	return b.String()
}
