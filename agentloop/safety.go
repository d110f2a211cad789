package agentloop

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrCommandNotAllowed is wrapped by CommandPolicy.Check rejections.
var ErrCommandNotAllowed = errors.New("command not allowed")

// DefaultAllowedCommands are the programs a terminal call may start:
// interpreters, package managers and listing/printing utilities.
var DefaultAllowedCommands = []string{
	"node", "npm", "npx", "pnpm", "yarn", "bun",
	"python", "python3", "pip", "pip3",
	"ls", "cat", "echo", "pwd", "mkdir", "touch",
	"head", "tail", "wc", "grep", "find", "tree", "which", "cd",
}

// CommandPolicy decides whether a shell command may run in the sandbox.
type CommandPolicy struct {
	allowed map[string]struct{}
}

// NewCommandPolicy builds a policy over allowed. An empty list selects
// DefaultAllowedCommands.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	if len(allowed) == 0 {
		allowed = DefaultAllowedCommands
	}
	p := &CommandPolicy{allowed: make(map[string]struct{}, len(allowed))}
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			p.allowed[name] = struct{}{}
		}
	}
	return p
}

// IsAllowed reports whether command passes Check.
func (p *CommandPolicy) IsAllowed(command string) bool {
	return p.Check(command) == nil
}

// Check parses command as bash and returns nil when every simple command in
// it, at any depth, starts with an allowed program named by a plain word.
//
// Command and process substitution, function and variable declarations,
// environment prefixes and file redirections are rejected. Descriptor
// duplication (2>&1) and redirection to /dev/null are permitted.
func (p *CommandPolicy) Check(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	file, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCommandNotAllowed, err)
	}
	if len(file.Stmts) == 0 {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}

	var reject error
	syntax.Walk(file, func(node syntax.Node) bool {
		if reject != nil {
			return false
		}
		reject = p.checkNode(node)
		return reject == nil
	})
	return reject
}

func (p *CommandPolicy) checkNode(node syntax.Node) error {
	switch n := node.(type) {
	case *syntax.CmdSubst:
		return fmt.Errorf("%w: command substitution is not permitted", ErrCommandNotAllowed)
	case *syntax.ProcSubst:
		return fmt.Errorf("%w: process substitution is not permitted", ErrCommandNotAllowed)
	case *syntax.FuncDecl:
		return fmt.Errorf("%w: function declarations are not permitted", ErrCommandNotAllowed)
	case *syntax.DeclClause:
		return fmt.Errorf("%w: %q is not in the allow-list", ErrCommandNotAllowed, n.Variant.Value)
	case *syntax.CoprocClause:
		return fmt.Errorf("%w: coproc is not permitted", ErrCommandNotAllowed)
	case *syntax.Redirect:
		return checkRedirect(n)
	case *syntax.CallExpr:
		if len(n.Assigns) > 0 {
			return fmt.Errorf("%w: environment assignments are not permitted", ErrCommandNotAllowed)
		}
		if len(n.Args) == 0 {
			return nil
		}
		name := n.Args[0].Lit()
		if name == "" {
			return fmt.Errorf("%w: program must be a plain word", ErrCommandNotAllowed)
		}
		program := path.Base(name)
		if _, ok := p.allowed[program]; !ok {
			return fmt.Errorf("%w: %q is not in the allow-list", ErrCommandNotAllowed, program)
		}
	}
	return nil
}

func checkRedirect(r *syntax.Redirect) error {
	target := ""
	if r.Word != nil {
		target = r.Word.Lit()
	}
	switch r.Op {
	case syntax.DplIn, syntax.DplOut:
		if target == "-" || isDigits(target) {
			return nil
		}
	case syntax.RdrOut, syntax.AppOut, syntax.RdrAll, syntax.AppAll:
		if target == "/dev/null" {
			return nil
		}
	}
	return fmt.Errorf("%w: redirection %s is not permitted", ErrCommandNotAllowed, r.Op)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
