// Package util provides small string helpers for the command line surface.
package util

import (
	"fmt"
	"strings"
)

// SplitArgs splits a command line on whitespace. A double-quoted argument
// may contain spaces; inside it "" stands for a literal quote.
func SplitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inQuote && c == '"':
			if i+1 < len(line) && line[i+1] == '"' {
				cur.WriteByte('"')
				i++
				continue
			}
			inQuote = false
		case inQuote:
			cur.WriteByte(c)
		case c == '"':
			inQuote, started = true, true
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteByte(c)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", line)
	}
	if started {
		args = append(args, cur.String())
	}
	return args, nil
}

// QuoteArg quotes s if SplitArgs would otherwise split it.
func QuoteArg(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\r\n\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
