package hl7v2

import (
	"strings"
)

// envelopeSegments wrap messages in a file or batch and are never part of a message.
var envelopeSegments = map[string]bool{
	"FHS": true,
	"FTS": true,
	"BHS": true,
	"BTS": true,
}

// IsBatch reports whether raw starts with a file or batch header.
func IsBatch(raw string) bool {
	lines := SplitSegments(raw)
	if len(lines) == 0 {
		return false
	}
	name := segmentName(lines[0], '|')
	return name == "FHS" || name == "BHS"
}

// ExtractMessages splits a batch into its messages. Envelope segments and
// anything preceding the first MSH are dropped. Each returned message
// begins with MSH and uses \r as segment terminator.
func ExtractMessages(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrEmptyInput
	}

	var (
		messages []string
		current  []string
	)
	flush := func() {
		if len(current) > 0 {
			messages = append(messages, strings.Join(current, "\r"))
			current = nil
		}
	}

	for _, line := range SplitSegments(raw) {
		name := segmentName(line, '|')
		switch {
		case envelopeSegments[name]:
			flush()
		case name == "MSH":
			flush()
			current = []string{line}
		case current != nil:
			current = append(current, line)
		}
	}
	flush()

	return messages, nil
}
