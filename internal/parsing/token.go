// internal/parsing/token.go
package parsing

import "regexp"

// Token consumes a span of text starting at a given offset and yields a
// decoded value. Consume returns the number of characters consumed and the
// value, or (-1, nil) if the token does not match at that position.
type Token interface {
	Consume(text string, offset int) (int, any)
}

// FallbackToken tries its children in order and succeeds with the first
// child that matches. It fails only if every child fails.
type FallbackToken struct {
	Children []Token
}

func Fallback(children ...Token) *FallbackToken {
	return &FallbackToken{Children: children}
}

func (t *FallbackToken) Consume(text string, offset int) (int, any) {
	for _, child := range t.Children {
		if n, v := child.Consume(text, offset); n >= 0 {
			return n, v
		}
	}
	return -1, nil
}

// RegexToken matches a regular expression anchored at the offset and takes
// the value of a capture group, or the whole match when Capture < 0.
// Expressions are compiled with a leading \A anchor added automatically.
type RegexToken struct {
	re      *regexp.Regexp
	Capture int
}

func Regex(expr string, capture int) *RegexToken {
	return &RegexToken{re: regexp.MustCompile(`\A` + expr), Capture: capture}
}

func (t *RegexToken) Consume(text string, offset int) (int, any) {
	m := t.re.FindStringSubmatch(text[offset:])
	if m == nil {
		return -1, nil
	}
	if t.Capture < 0 {
		return len(m[0]), m
	}
	return len(m[0]), m[t.Capture]
}

// TransformedToken applies a transform to the value of an inner token. A nil
// result from the transform is treated as a failure to match.
type TransformedToken struct {
	Child     Token
	Transform func(any) any
}

func Transformed(child Token, transform func(any) any) *TransformedToken {
	return &TransformedToken{Child: child, Transform: transform}
}

func (t *TransformedToken) Consume(text string, offset int) (int, any) {
	n, v := t.Child.Consume(text, offset)
	if n < 0 {
		return -1, nil
	}
	out := t.Transform(v)
	if out == nil {
		return -1, nil
	}
	return n, out
}
