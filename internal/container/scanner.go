package container

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Violation describes a blocked command.
type Violation struct {
	Reason  string
	Pattern string
	Command string
}

// denyRule describes a code pattern that must never reach a backend.
type denyRule struct {
	pattern *regexp.Regexp
	reason  string
}

// denyRules is the compiled denylist applied to shell commands and inline
// code alike.
var denyRules []denyRule

func init() {
	raw := []struct {
		pattern string
		reason  string
	}{
		// Filesystem destruction
		{`\brm\s+.*-[a-zA-Z]*[rR]`, "recursive remove"},
		{`\brm\s+.*-[a-zA-Z]*[fF]`, "force remove"},
		{`\bshutil\.rmtree\s*\(\s*['"]/`, "recursive remove of absolute path"},
		// Disk/partition
		{`\bdd\b\s+.*\bof=`, "raw disk write (dd)"},
		{`\bmkfs\b`, "filesystem format"},
		{`\bfdisk\b`, "partition edit"},
		// System
		{`:\(\)\s*\{`, "fork bomb"},
		{`>/dev/sd[a-z]`, "raw device write"},
		{`\bchmod\s+777\b`, "world-writable chmod"},
		{`\bchmod\s+.*-[a-zA-Z]*[rR]`, "recursive chmod"},
		{`\bchown\s+.*-[a-zA-Z]*[rR]`, "recursive chown"},
		// Remote code execution
		{`\bcurl\b[^|]*\|\s*(ba|z|da)?sh\b`, "piping download into a shell"},
		{`\bwget\b[^|]*\|\s*(ba|z|da)?sh\b`, "piping download into a shell"},
		// Privilege escalation
		{`\bsudo\b`, "privilege escalation"},
		{`\bsu\s`, "switch user"},
		// Escaping the sandbox from inline code
		{`\bos\.system\s*\(`, "shelling out from inline code"},
	}
	denyRules = make([]denyRule, len(raw))
	for i, r := range raw {
		denyRules[i] = denyRule{
			pattern: regexp.MustCompile(r.pattern),
			reason:  r.reason,
		}
	}
}

// Scanner statically checks commands before any backend runs them. Shell
// commands are additionally parsed into an AST, so obfuscations that defeat
// the regex denylist (quoting, redirects, pipes) are still caught.
type Scanner struct{}

// NewScanner creates a scanner.
func NewScanner() *Scanner {
	return &Scanner{}
}

// ScanShell checks a shell command line. It returns the first violation
// found, or nil.
func (s *Scanner) ScanShell(command string) *Violation {
	if v := matchDenyRules(command); v != nil {
		return v
	}

	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		// Not valid shell. The denylist already ran; execution will fail on
		// its own if the command is garbage.
		return nil
	}

	var found *Violation
	syntax.Walk(file, func(node syntax.Node) bool {
		if found != nil {
			return false
		}
		switch x := node.(type) {
		case *syntax.CallExpr:
			found = scanCall(x, command)
		case *syntax.BinaryCmd:
			if x.Op == syntax.Pipe || x.Op == syntax.PipeAll {
				found = scanPipe(x, command)
			}
		case *syntax.Stmt:
			for _, redir := range x.Redirs {
				if target := wordLit(redir.Word); strings.HasPrefix(target, "/dev/sd") {
					found = &Violation{Reason: "raw device write", Pattern: "/dev/sd*", Command: command}
				}
			}
		}
		return true
	})
	return found
}

// ScanCode checks inline code (python, javascript) against the denylist.
func (s *Scanner) ScanCode(code string) *Violation {
	return matchDenyRules(code)
}

func matchDenyRules(text string) *Violation {
	for i := range denyRules {
		if denyRules[i].pattern.MatchString(text) {
			return &Violation{
				Reason:  denyRules[i].reason,
				Pattern: denyRules[i].pattern.String(),
				Command: text,
			}
		}
	}
	return nil
}

// scanCall checks a single simple command.
func scanCall(call *syntax.CallExpr, command string) *Violation {
	if len(call.Args) == 0 {
		return nil
	}
	name := wordLit(call.Args[0])

	deny := func(reason string) *Violation {
		return &Violation{Reason: reason, Pattern: name, Command: command}
	}

	switch {
	case name == "sudo":
		return deny("privilege escalation")
	case name == "su":
		return deny("switch user")
	case name == "fdisk":
		return deny("partition edit")
	case strings.HasPrefix(name, "mkfs"):
		return deny("filesystem format")
	case name == "rm":
		if hasFlag(call, 'r') || hasFlag(call, 'R') || hasFlag(call, 'f') {
			return deny("destructive remove")
		}
	case name == "dd":
		for _, arg := range call.Args[1:] {
			if strings.HasPrefix(wordLit(arg), "of=") {
				return deny("raw disk write (dd)")
			}
		}
	case name == "chmod":
		if hasFlag(call, 'R') {
			return deny("recursive chmod")
		}
		for _, arg := range call.Args[1:] {
			if wordLit(arg) == "777" {
				return deny("world-writable chmod")
			}
		}
	case name == "chown":
		if hasFlag(call, 'R') {
			return deny("recursive chown")
		}
	}
	return nil
}

// scanPipe blocks downloads piped straight into a shell.
func scanPipe(bin *syntax.BinaryCmd, command string) *Violation {
	left := stmtCommandName(bin.X)
	right := stmtCommandName(bin.Y)

	if (left == "curl" || left == "wget") && isShell(right) {
		return &Violation{Reason: "piping download into a shell", Pattern: left + " | " + right, Command: command}
	}
	return nil
}

func stmtCommandName(stmt *syntax.Stmt) string {
	if stmt == nil {
		return ""
	}
	if call, ok := stmt.Cmd.(*syntax.CallExpr); ok && len(call.Args) > 0 {
		return wordLit(call.Args[0])
	}
	return ""
}

func isShell(name string) bool {
	switch name {
	case "sh", "bash", "zsh", "dash", "ksh":
		return true
	}
	return false
}

// hasFlag reports whether any argument is a short flag cluster containing c.
func hasFlag(call *syntax.CallExpr, c byte) bool {
	for _, arg := range call.Args[1:] {
		lit := wordLit(arg)
		if len(lit) < 2 || lit[0] != '-' || strings.HasPrefix(lit, "--") {
			continue
		}
		if strings.IndexByte(lit[1:], c) >= 0 {
			return true
		}
	}
	return false
}

// wordLit returns the literal value of a word, or "" when it is dynamic.
func wordLit(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	return w.Lit()
}
