package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGrammar(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Command
		ok   bool
	}{
		{"help uppercase", "HELP", Command{Kind: KindHelp}, true},
		{"help lowercase", "help", Command{Kind: KindHelp}, true},
		{"help padded", "  help \r", Command{Kind: KindHelp}, true},
		{"status", "STATUS", Command{Kind: KindStatus}, true},
		{"all on", "ALL ON", Command{Kind: KindAllOn}, true},
		{"all off", "ALL OFF", Command{Kind: KindAllOff}, true},
		{"all without separator", "ALLOFF", Command{Kind: KindAllOff}, true},
		{"bare all means off", "ALL", Command{Kind: KindAllOff}, true},
		{"relay on", "R3 ON", Command{Kind: KindSetRelay, Index: 3, On: true}, true},
		{"relay on lowercase", "r3 on", Command{Kind: KindSetRelay, Index: 3, On: true}, true},
		{"relay off", "R3 OFF", Command{Kind: KindSetRelay, Index: 3, On: false}, true},
		{"relay without separator", "R1ON", Command{Kind: KindSetRelay, Index: 1, On: true}, true},
		{"relay with padded index", "R 7 ON", Command{Kind: KindSetRelay, Index: 7, On: true}, true},
		{"out of range index still parses", "R10 ON", Command{Kind: KindSetRelay, Index: 10, On: true}, true},
		{"negative index still parses", "R-3 ON", Command{Kind: KindSetRelay, Index: -3, On: true}, true},
		{"non-numeric index becomes zero", "RUN FAST", Command{Kind: KindSetRelay, Index: 0, On: false}, true},
		{"relay line too short", "R1", Command{}, false},
		{"empty line", "", Command{}, false},
		{"whitespace only", "   \r\n", Command{}, false},
		{"unknown word", "REFRESH", Command{Kind: KindSetRelay, Index: 0, On: false}, true},
		{"unknown non-relay word", "TOGGLE", Command{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Parse(tc.line)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

// The previous firmware switched a relay on if "ON" appeared anywhere
// in the command, and that looseness is load-bearing for deployed
// tooling. These cases document it on purpose.
func TestParseSubstringOnLooseness(t *testing.T) {
	got, ok := Parse("R3 ONLINE")
	assert.True(t, ok)
	assert.Equal(t, Command{Kind: KindSetRelay, Index: 3, On: true}, got)

	got, ok = Parse("ALL ONWARD")
	assert.True(t, ok)
	assert.Equal(t, Command{Kind: KindAllOn}, got)

	// "OFF" carries no weight of its own; absence of "ON" is what
	// switches a relay off.
	got, ok = Parse("R2 OFFLINE")
	assert.True(t, ok)
	assert.Equal(t, Command{Kind: KindSetRelay, Index: 2, On: false}, got)
}

func TestLeadingInt(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"3 ON", 3},
		{" 12", 12},
		{"1ON", 1},
		{"-4 ON", -4},
		{"+5", 5},
		{"UN", 0},
		{"", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, leadingInt(tc.in), "input %q", tc.in)
	}
}
