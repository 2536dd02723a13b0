// Package command parses the serial console grammar. Parsing is
// separate from dispatch: the parser never touches relays, and index
// range checks belong to the bank.
package command

import "strings"

type Kind string

const (
	KindHelp     Kind = "help"
	KindStatus   Kind = "status"
	KindAllOn    Kind = "all_on"
	KindAllOff   Kind = "all_off"
	KindSetRelay Kind = "set_relay"
)

// Command is one parsed console command. Index and On are meaningful
// only for KindSetRelay.
type Command struct {
	Kind  Kind
	Index int
	On    bool
}

// Parse normalizes one console line and matches it against the
// grammar. ok is false for anything unrecognized; those lines are
// dropped without output so legacy tooling can share the console.
//
// Grammar quirks are kept for wire compatibility with the previous
// firmware: "ON" anywhere in the line means on ("R3 ONLINE" switches
// relay 3 on), a bare "ALL" switches everything off, and a relay line
// needs at least four characters before it is considered at all.
func Parse(line string) (Command, bool) {
	cmd := strings.ToUpper(strings.TrimSpace(line))
	switch {
	case cmd == "HELP":
		return Command{Kind: KindHelp}, true
	case cmd == "STATUS":
		return Command{Kind: KindStatus}, true
	case strings.HasPrefix(cmd, "ALL"):
		if containsOn(cmd) {
			return Command{Kind: KindAllOn}, true
		}
		return Command{Kind: KindAllOff}, true
	case strings.HasPrefix(cmd, "R") && len(cmd) >= 4:
		return Command{Kind: KindSetRelay, Index: leadingInt(cmd[1:]), On: containsOn(cmd)}, true
	}
	return Command{}, false
}

func containsOn(cmd string) bool {
	return strings.Contains(cmd, "ON")
}

// leadingInt parses the integer prefix of s after skipping leading
// whitespace, mirroring C atoi: "3 ON" is 3, "UN ON" is 0.
func leadingInt(s string) int {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		neg = s[i] == '-'
		i++
	}
	n := 0
	seen := false
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		seen = true
		i++
	}
	if !seen {
		return 0
	}
	if neg {
		return -n
	}
	return n
}
