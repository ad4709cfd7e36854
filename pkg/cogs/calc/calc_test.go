package calc

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/tinyland-inc/clawcord/pkg/cog"
	"github.com/tinyland-inc/clawcord/pkg/event"
)

func invoke(t *testing.T, c *Cog, args []string, opts map[string]string) string {
	t.Helper()
	var reply string
	inv := &cog.Invocation{
		Event:   event.Event{User: event.User{ID: "u1"}},
		Args:    args,
		Options: opts,
		Respond: func(ctx context.Context, content string) error {
			reply = content
			return nil
		},
	}
	inv.RespondEphemeral = inv.Respond

	if err := c.Commands()[0].Run(context.Background(), inv); err != nil {
		t.Fatalf("calc: %v", err)
	}
	return reply
}

func TestEval(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2*3+4", 10},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"7//2", 3},
		{"7%4", 3},
		{"2**10", 1024},
		{"2^10", 1024},
		{"2**3**2", 512}, // right associative
		{"-3+5", 2},
		{"--4", 4},
		{"sqrt(16)", 4},
		{"sin(pi/2)", 1},
		{"cos(0)", 1},
		{"log(e)", 1},
		{"log(8, 2)", 3},
		{"log10(1000)", 3},
		{"exp(0)", 1},
		{"abs(-4.5)", 4.5},
		{"deg(180)", math.Pi},
		{"tan(deg(45))", 1},
		{"sqrt(16) + sin(pi/2)", 5},
		{" 1 +  2 ", 3},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr)
		if err != nil {
			t.Errorf("Eval(%q): %v", tc.expr, err)
			continue
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Eval(%q): got %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEval_Rejects(t *testing.T) {
	exprs := []string{
		"",
		"1+",
		"(1+2",
		"sqrt(16",
		"1/0",
		"7//0",
		"7%0",
		"sqrt(-1)",
		"log(-1)",
		"unknown(3)",
		"x + 1",
		"1 @ 2",
		"sqrt(1, 2)",
		"import os",
		"1..2",
	}
	for _, expr := range exprs {
		if v, err := Eval(expr); err == nil {
			t.Errorf("Eval(%q) = %v, want error", expr, v)
		}
	}
}

func TestCalcCommand(t *testing.T) {
	c := New()

	reply := invoke(t, c, []string{"sqrt(16)"}, nil)
	if !strings.Contains(reply, "**Result:** `4`") {
		t.Errorf("reply: got %q", reply)
	}

	reply = invoke(t, c, nil, map[string]string{"expression": "2 + 3 * 4"})
	if !strings.Contains(reply, "**Result:** `14`") {
		t.Errorf("reply with option: got %q", reply)
	}

	if reply := invoke(t, c, nil, nil); !strings.HasPrefix(reply, "Usage:") {
		t.Errorf("empty expression: got %q", reply)
	}
	if reply := invoke(t, c, []string{"1/0"}, nil); !strings.HasPrefix(reply, "Error:") {
		t.Errorf("bad expression: got %q", reply)
	}
}
