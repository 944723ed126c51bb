package el

import (
	"errors"
	"fmt"
	"strings"
)

var errUnterminated = errors.New("unterminated #{ expression")

// segment is either literal text or the body of a #{...} expression.
type segment struct {
	text string
	expr bool
}

// parseTemplate splits a template into literal and expression segments.
// Braces inside double-quoted strings do not close an expression.
func parseTemplate(tpl string) ([]segment, error) {
	var segs []segment
	rest := tpl
	for {
		start := strings.Index(rest, "#{")
		if start < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		if start > 0 {
			segs = append(segs, segment{text: rest[:start]})
		}

		body := rest[start+2:]
		end := closingBrace(body)
		if end < 0 {
			return nil, fmt.Errorf("%w at offset %d", errUnterminated, len(tpl)-len(rest)+start)
		}
		segs = append(segs, segment{text: strings.TrimSpace(body[:end]), expr: true})
		rest = body[end+1:]
	}
}

func closingBrace(s string) int {
	inQuote := false
	escaped := false
	for i, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == '}' && !inQuote:
			return i
		}
	}
	return -1
}
