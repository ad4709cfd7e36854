// Package calc evaluates arithmetic expressions submitted in chat against a
// whitelist of operators, functions and constants. Nothing outside the
// whitelist parses, so user input can never reach anything but math.
package calc

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
)

var constants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var functions = map[string]func(args []float64) (float64, error){
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"asin":  unary(math.Asin),
	"acos":  unary(math.Acos),
	"atan":  unary(math.Atan),
	"sinh":  unary(math.Sinh),
	"cosh":  unary(math.Cosh),
	"tanh":  unary(math.Tanh),
	"sqrt":  unary(math.Sqrt),
	"log10": unary(math.Log10),
	"exp":   unary(math.Exp),
	"abs":   unary(math.Abs),
	"deg":   unary(func(x float64) float64 { return x * math.Pi / 180 }),
	"log":   logFunc,
}

func unary(f func(float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return f(args[0]), nil
	}
}

// logFunc is the natural log, or log base b with a second argument.
func logFunc(args []float64) (float64, error) {
	switch len(args) {
	case 1:
		return math.Log(args[0]), nil
	case 2:
		return math.Log(args[0]) / math.Log(args[1]), nil
	default:
		return 0, fmt.Errorf("log takes 1 or 2 arguments, got %d", len(args))
	}
}

type Cog struct{}

func New() *Cog { return &Cog{} }

func (c *Cog) Name() string { return "calc" }

func (c *Cog) Subscriptions() []cog.Subscription { return nil }

func (c *Cog) Commands() []cog.Command {
	return []cog.Command{
		{
			Name:        "calc",
			Description: "Evaluate a mathematical expression",
			Usage:       "calc sin(pi/2) + sqrt(16)",
			Require:     event.PermViewChannels,
			Run:         c.calc,
		},
	}
}

func (c *Cog) calc(ctx context.Context, inv *cog.Invocation) error {
	expr := inv.Option("expression", -1)
	if expr == "" {
		expr = strings.Join(inv.Args, " ")
	}
	if strings.TrimSpace(expr) == "" {
		return inv.RespondEphemeral(ctx, "Usage: `calc <expression>`")
	}

	result, err := Eval(expr)
	if err != nil {
		return inv.RespondEphemeral(ctx, "Error: "+err.Error())
	}

	return inv.Respond(ctx, fmt.Sprintf("**Expression:** `%s`\n**Result:** `%s`",
		expr, strconv.FormatFloat(result, 'g', 12, 64)))
}

// Eval parses and evaluates one expression.
func Eval(input string) (float64, error) {
	p := &parser{input: input}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.input[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("math domain error")
	}
	return v, nil
}

// parser is a recursive-descent evaluator over the grammar
//
//	expr    = term  { ("+" | "-") term }
//	term    = power { ("*" | "/" | "//" | "%") power }
//	power   = unary [ ("^" | "**") power ]
//	unary   = { "+" | "-" } primary
//	primary = number | name [ "(" expr { "," expr } ")" ] | "(" expr ")"
type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

// accept consumes s if it is next, preferring the longest operator first at
// the call sites ("**" before "*", "//" before "/").
func (p *parser) accept(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], s) {
		p.pos += len(s)
		return true
	}
	return false
}

func (p *parser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("+"):
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v += r
		case p.accept("-"):
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *parser) term() (float64, error) {
	v, err := p.power()
	if err != nil {
		return 0, err
	}
	for {
		switch {
		case p.accept("//"):
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v = math.Floor(v / r)
		case p.accept("*"):
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			v *= r
		case p.accept("/"):
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		case p.accept("%"):
			r, err := p.power()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v = math.Mod(v, r)
		default:
			return v, nil
		}
	}
}

func (p *parser) power() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	if p.accept("**") || p.accept("^") {
		r, err := p.power()
		if err != nil {
			return 0, err
		}
		return math.Pow(v, r), nil
	}
	return v, nil
}

func (p *parser) unary() (float64, error) {
	switch {
	case p.accept("-"):
		v, err := p.unary()
		return -v, err
	case p.accept("+"):
		return p.unary()
	}
	return p.primary()
}

func (p *parser) primary() (float64, error) {
	ch := p.peek()
	switch {
	case ch == '(':
		p.pos++
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if !p.accept(")") {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		return v, nil
	case ch >= '0' && ch <= '9' || ch == '.':
		return p.number()
	case unicode.IsLetter(rune(ch)):
		return p.name()
	case ch == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q at position %d", ch, p.pos)
	}
}

func (p *parser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch >= '0' && ch <= '9' || ch == '.' {
			p.pos++
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", p.input[start:p.pos])
	}
	return v, nil
}

func (p *parser) name() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		ch := rune(p.input[p.pos])
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			p.pos++
			continue
		}
		break
	}
	word := p.input[start:p.pos]

	if p.peek() == '(' {
		fn, ok := functions[word]
		if !ok {
			return 0, fmt.Errorf("unknown function %q", word)
		}
		p.pos++
		var args []float64
		if p.peek() != ')' {
			for {
				v, err := p.expr()
				if err != nil {
					return 0, err
				}
				args = append(args, v)
				if !p.accept(",") {
					break
				}
			}
		}
		if !p.accept(")") {
			return 0, fmt.Errorf("missing closing parenthesis after %s(", word)
		}
		return fn(args)
	}

	if v, ok := constants[word]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("unknown identifier %q", word)
}
