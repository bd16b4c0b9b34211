// internal/parsing/tokens.go
//
// The extension tokens: the argument decoders that are useful in and of
// themselves. Each decoder is exposed both as a Token for use inside a
// command signature and as a standalone Decode function with a typed error.
package parsing

import (
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"lendingbot/internal/money"
)

var (
	ErrInvalidUserReference = errors.New("invalid user reference")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidLoanID        = errors.New("invalid loan id")
	ErrInvalidTimestamp     = errors.New("invalid timestamp")
)

// UserToken matches a reference to a user. Accepted forms are a username
// prefixed by /u/ or u/, or a markdown link whose visible text is one of
// those forms and whose target is a /u/ or /user/ URL for the same name.
// Query parameters and fragments in the link target are ignored. The value
// is the bare username.
func UserToken() Token {
	plain := Regex(`\s*/?u/([\w-]+)\s*`, 1)
	link := Regex(
		`\s*\[(?:/?u/)?([\w-]+)\]\(https?://(?:www\.)?reddit\.com/u(?:ser)?/([\w-]+)/?(?:\?[^)]*)?(?:#[^)]*)?\)\s*`,
		-1,
	)
	// RE2 has no backreferences, so the link form captures the visible name
	// and the URL name separately and requires them to agree.
	linkChecked := Transformed(link, func(v any) any {
		m := v.([]string)
		if m[1] != m[2] {
			return nil
		}
		return m[1]
	})
	return Fallback(plain, linkChecked)
}

const amountPattern = `[0-9]{1,3}(?:,[0-9]{3})+(?:\.[0-9]{0,4})?|[0-9]+(?:\.[0-9]{0,4})?`

// moneyToken matches a monetary amount with an optional currency marker: a
// bare symbol in prefix or suffix position, or an ISO 4217 code separated by
// a space on either side. An unmarked amount defaults to USD. The number of
// decimal places must match the currency's minor-unit exponent exactly, or
// be omitted entirely.
type moneyToken struct {
	forms []*regexp.Regexp
}

// MoneyToken builds the money decoder from the supported currency tables.
func MoneyToken() Token {
	isoCodes := make([]string, 0, len(money.Currencies))
	for code := range money.Currencies {
		isoCodes = append(isoCodes, code)
	}
	sort.Strings(isoCodes)
	iso := strings.Join(isoCodes, "|")

	syms := make([]string, 0, len(money.Symbols))
	for s := range money.Symbols {
		syms = append(syms, regexp.QuoteMeta(s))
	}
	sort.Strings(syms)
	sym := strings.Join(syms, "|")

	forms := []string{
		`\s*(?P<iso>` + iso + `)\s+(?:` + sym + `)?(?P<amt>` + amountPattern + `)(?:` + sym + `)?\s*`,
		`\s*(?:` + sym + `)?(?P<amt>` + amountPattern + `)(?:` + sym + `)?\s+(?P<iso>` + iso + `)\s*`,
		`\s*(?P<sym>` + sym + `)(?P<amt>` + amountPattern + `)\s*`,
		`\s*(?P<amt>` + amountPattern + `)(?P<sym>` + sym + `)\s*`,
		`\s*(?P<amt>` + amountPattern + `)\s*`,
	}
	t := &moneyToken{}
	for _, f := range forms {
		t.forms = append(t.forms, regexp.MustCompile(`\A`+f))
	}
	return t
}

func (t *moneyToken) Consume(text string, offset int) (int, any) {
	for _, re := range t.forms {
		m := re.FindStringSubmatch(text[offset:])
		if m == nil {
			continue
		}
		code := "USD"
		if i := re.SubexpIndex("iso"); i >= 0 && m[i] != "" {
			code = m[i]
		} else if i := re.SubexpIndex("sym"); i >= 0 && m[i] != "" {
			code = money.Symbols[m[i]]
		}
		amt := strings.ReplaceAll(m[re.SubexpIndex("amt")], ",", "")
		minor, ok := parseMinor(amt, money.Exponent(code))
		if !ok {
			continue
		}
		return len(m[0]), money.New(minor, code)
	}
	return -1, nil
}

// parseMinor converts a plain decimal literal to minor units. The fractional
// part must be absent or exactly exp digits long; working on the digit string
// directly avoids floating-point rounding.
func parseMinor(amt string, exp int) (int64, bool) {
	whole, frac, hasDot := strings.Cut(amt, ".")
	if hasDot && len(frac) != exp {
		return 0, false
	}
	if !hasDot {
		frac = strings.Repeat("0", exp)
	}
	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsCurrencyToken matches a change-of-currency clause such as "AS JPY",
// used on a loan whose principal should be tracked in a currency other than
// the one it was tendered in. The value is the ISO 4217 code.
func AsCurrencyToken() Token {
	isoCodes := make([]string, 0, len(money.Currencies))
	for code := range money.Currencies {
		isoCodes = append(isoCodes, code)
	}
	sort.Strings(isoCodes)
	return Regex(`\s*[aA][sS]\s+(`+strings.Join(isoCodes, "|")+`)\s*`, 1)
}

// LoanIDToken matches a loan identifier, which is a nonnegative integer in
// the ledger's identifier format. The value is an int64.
func LoanIDToken() Token {
	return Transformed(Regex(`\s*([0-9]+)\s*`, 1), func(v any) any {
		id, err := strconv.ParseInt(v.(string), 10, 64)
		if err != nil {
			return nil
		}
		return id
	})
}

// TimestampToken matches an ISO 8601 timestamp literal. The value is a
// time.Time in the literal's zone.
func TimestampToken() Token {
	return Transformed(
		Regex(`\s*([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}(?:\.[0-9]+)?(?:Z|[+-][0-9]{2}:[0-9]{2}))\s*`, 1),
		func(v any) any {
			ts, err := time.Parse(time.RFC3339, v.(string))
			if err != nil {
				return nil
			}
			return ts
		},
	)
}

// DecodeUserReference decodes a complete string as a user reference.
func DecodeUserReference(s string) (string, error) {
	if name, ok := decodeWhole(UserToken(), s); ok {
		return name.(string), nil
	}
	return "", ErrInvalidUserReference
}

// DecodeAmount decodes a complete string as a monetary amount.
func DecodeAmount(s string) (money.Money, error) {
	if v, ok := decodeWhole(MoneyToken(), s); ok {
		return v.(money.Money), nil
	}
	return money.Money{}, ErrInvalidAmount
}

// DecodeLoanID decodes a complete string as a loan identifier.
func DecodeLoanID(s string) (int64, error) {
	if v, ok := decodeWhole(LoanIDToken(), s); ok {
		return v.(int64), nil
	}
	return 0, ErrInvalidLoanID
}

// DecodeTimestamp decodes a complete string as an ISO 8601 timestamp.
func DecodeTimestamp(s string) (time.Time, error) {
	if v, ok := decodeWhole(TimestampToken(), s); ok {
		return v.(time.Time), nil
	}
	return time.Time{}, ErrInvalidTimestamp
}

func decodeWhole(t Token, s string) (any, bool) {
	n, v := t.Consume(s, 0)
	if n != len(s) {
		return nil, false
	}
	return v, true
}
