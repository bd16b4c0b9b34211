// internal/command/command.go
package command

import (
	"fmt"

	"lendingbot/internal/money"
	"lendingbot/internal/parsing"
)

// Verb identifies one of the recognized commands.
type Verb string

const (
	VerbCheck      Verb = "check"
	VerbConfirm    Verb = "confirm"
	VerbLoan       Verb = "loan"
	VerbPaidWithID Verb = "paid_with_id"
	VerbPaid       Verb = "paid"
	VerbPing       Verb = "ping"
	VerbUnpaid     Verb = "unpaid"
)

// Command is a decoded command extracted from a single inbound event. It is
// consumed within one dispatch cycle and never persisted.
type Command struct {
	Verb    Verb
	Issuer  string
	EventID string

	// Target is the referenced user for check, paid, confirm and unpaid.
	Target string
	// Amount is the tendered amount for loan, paid, confirm and paid_with_id.
	Amount money.Money
	// AsCurrency is the principal currency for loan when an AS clause was
	// given, otherwise empty.
	AsCurrency string
	// LoanID is the loan identifier for paid_with_id.
	LoanID int64
}

// MalformedError reports that a verb was recognized but its required
// arguments did not decode. The dispatcher turns this into a usage-hint
// reply rather than a ledger mutation.
type MalformedError struct {
	Verb  Verb
	Usage string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s command, expected %s", e.Verb, e.Usage)
}

type signature struct {
	verb   Verb
	usage  string
	parser *parsing.Parser
	build  func(vals []any, c *Command)
}

// Matcher scans free-form comment text for a recognized command. Signatures
// are tried in a fixed precedence order; $paid_with_id precedes $paid since
// its anchor contains the shorter one. A command may appear anywhere within
// the text, not only at the start of a line: the anchored parsers rescan
// from each occurrence of the verb token.
type Matcher struct {
	signatures []signature
}

func NewMatcher() *Matcher {
	user := parsing.UserToken()
	amount := parsing.MoneyToken()
	return &Matcher{signatures: []signature{
		{
			verb:   VerbCheck,
			usage:  "$check <user>",
			parser: parsing.NewParser("$check", parsing.Arg{Token: user}),
			build: func(vals []any, c *Command) {
				c.Target = vals[0].(string)
			},
		},
		{
			verb:   VerbConfirm,
			usage:  "$confirm <user> <amount>",
			parser: parsing.NewParser("$confirm", parsing.Arg{Token: user}, parsing.Arg{Token: amount}),
			build: func(vals []any, c *Command) {
				c.Target = vals[0].(string)
				c.Amount = vals[1].(money.Money)
			},
		},
		{
			verb:  VerbLoan,
			usage: "$loan <amount> [AS <currency>]",
			parser: parsing.NewParser("$loan",
				parsing.Arg{Token: amount},
				parsing.Arg{Token: parsing.AsCurrencyToken(), Optional: true}),
			build: func(vals []any, c *Command) {
				c.Amount = vals[0].(money.Money)
				if vals[1] != nil {
					c.AsCurrency = vals[1].(string)
				}
			},
		},
		{
			verb:  VerbPaidWithID,
			usage: "$paid_with_id <loan id> <amount>",
			parser: parsing.NewParser("$paid_with_id",
				parsing.Arg{Token: parsing.LoanIDToken()},
				parsing.Arg{Token: amount}),
			build: func(vals []any, c *Command) {
				c.LoanID = vals[0].(int64)
				c.Amount = vals[1].(money.Money)
			},
		},
		{
			verb:   VerbPaid,
			usage:  "$paid <user> <amount>",
			parser: parsing.NewParser("$paid", parsing.Arg{Token: user}, parsing.Arg{Token: amount}),
			build: func(vals []any, c *Command) {
				c.Target = vals[0].(string)
				c.Amount = vals[1].(money.Money)
			},
		},
		{
			verb:   VerbPing,
			usage:  "$ping",
			parser: parsing.NewParser("$ping"),
			build:  func(vals []any, c *Command) {},
		},
		{
			verb:   VerbUnpaid,
			usage:  "$unpaid <user>",
			parser: parsing.NewParser("$unpaid", parsing.Arg{Token: user}),
			build: func(vals []any, c *Command) {
				c.Target = vals[0].(string)
			},
		},
	}}
}

// Match extracts the first recognized command from the text. It returns
// (nil, nil) when no verb token is present, which is the common case for
// plain discussion. A present verb whose arguments fail to decode yields a
// *MalformedError.
func (m *Matcher) Match(text, issuer, eventID string) (*Command, error) {
	var malformed *MalformedError
	for i := range m.signatures {
		sig := &m.signatures[i]
		vals := sig.parser.Parse(text)
		if vals == nil {
			if malformed == nil && sig.parser.Anchored(text) {
				malformed = &MalformedError{Verb: sig.verb, Usage: sig.usage}
			}
			continue
		}
		cmd := &Command{Verb: sig.verb, Issuer: issuer, EventID: eventID}
		sig.build(vals, cmd)
		return cmd, nil
	}
	if malformed != nil {
		return nil, malformed
	}
	return nil, nil
}
