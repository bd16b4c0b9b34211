// internal/parsing/parser.go
package parsing

import "strings"

// Arg is one argument slot in a command signature.
type Arg struct {
	Token    Token
	Optional bool
}

// Parser scans text for a plain-text anchor (e.g. "$loan") and then attempts
// to parse its argument tokens in order starting right after the anchor. The
// parser is greedy: optional tokens are attempted before moving on, and every
// fallback is tried in order. If parsing fails at one occurrence of the
// anchor, the next occurrence is tried, so a command may appear anywhere
// within a comment.
type Parser struct {
	Anchor string
	Args   []Arg
}

func NewParser(anchor string, args ...Arg) *Parser {
	return &Parser{Anchor: anchor, Args: args}
}

// Anchored reports whether the anchor appears anywhere in the text. A true
// result with a nil Parse result means the command was present but its
// arguments did not decode.
func (p *Parser) Anchored(text string) bool {
	return strings.Contains(text, p.Anchor)
}

// Parse attempts to parse the text. On success it returns one value per
// argument slot, with omitted optional arguments set to nil. It returns nil
// if no occurrence of the anchor is followed by a full set of required
// arguments.
func (p *Parser) Parse(text string) []any {
	start := 0
	for {
		idx := strings.Index(text[start:], p.Anchor)
		if idx < 0 {
			return nil
		}
		pos := start + idx + len(p.Anchor)
		values := make([]any, 0, len(p.Args))
		ok := true
		for _, arg := range p.Args {
			n, v := -1, any(nil)
			if pos <= len(text) {
				n, v = arg.Token.Consume(text, pos)
			}
			if n < 0 {
				if !arg.Optional {
					ok = false
					break
				}
				values = append(values, nil)
				continue
			}
			values = append(values, v)
			pos += n
		}
		if ok {
			return values
		}
		start += idx + 1
	}
}
