// Package capability implements the permission model for panel handlers.
//
// A handler declares a list of capability tokens such as "state:read:count"
// or "events:emit:*"; every host call is checked against that list before it
// takes effect. Tokens are parsed once per invocation and matched by exact
// scope equality, with "*" scoped variants subsuming every scope of the same
// domain and operation.
package capability

import (
	"fmt"
	"strings"
)

// Domains and operations recognized by the token grammar.
const (
	DomainState  = "state"
	DomainEvents = "events"
	DomainView   = "view"
	DomainExt    = "ext"

	OpRead   = "read"
	OpWrite  = "write"
	OpEmit   = "emit"
	OpUpdate = "update"
)

// Token is a single parsed capability.
//
// The ext domain has no operation part ("ext:http" or "ext:*"); Op is empty
// for those tokens. All marks the wildcard-scope variant.
type Token struct {
	Domain string
	Op     string
	Scope  string
	All    bool
}

// Parse parses a capability string into a Token.
// Returns false for strings outside the grammar.
func Parse(s string) (Token, bool) {
	parts := strings.Split(s, ":")

	switch len(parts) {
	case 2:
		// ext:<name> or ext:*
		if parts[0] != DomainExt || parts[1] == "" {
			return Token{}, false
		}
		if parts[1] == "*" {
			return Token{Domain: DomainExt, All: true}, true
		}
		return Token{Domain: DomainExt, Scope: parts[1]}, true

	case 3:
		domain, op, scope := parts[0], parts[1], parts[2]
		if scope == "" {
			return Token{}, false
		}
		if !validPair(domain, op) {
			return Token{}, false
		}
		if scope == "*" {
			return Token{Domain: domain, Op: op, All: true}, true
		}
		return Token{Domain: domain, Op: op, Scope: scope}, true

	default:
		return Token{}, false
	}
}

func validPair(domain, op string) bool {
	switch domain {
	case DomainState:
		return op == OpRead || op == OpWrite
	case DomainEvents:
		return op == OpEmit
	case DomainView:
		return op == OpUpdate
	default:
		return false
	}
}

// Matches reports whether this token satisfies the required capability
// string. A wildcard token matches any scope of the same domain and
// operation; a scoped token matches only exact scope equality.
func (t Token) Matches(required string) bool {
	req, ok := Parse(required)
	if !ok {
		return false
	}
	if t.Domain != req.Domain || t.Op != req.Op {
		return false
	}
	if t.All {
		return true
	}
	return !req.All && t.Scope == req.Scope
}

// String renders the token back into its canonical string form.
func (t Token) String() string {
	scope := t.Scope
	if t.All {
		scope = "*"
	}
	if t.Domain == DomainExt {
		return fmt.Sprintf("%s:%s", t.Domain, scope)
	}
	return fmt.Sprintf("%s:%s:%s", t.Domain, t.Op, scope)
}

// Checker holds the parsed capability set for one invocation.
type Checker struct {
	tokens []Token
}

// NewChecker parses the declared capability strings. Unparseable entries are
// dropped silently; a malformed declaration grants nothing.
func NewChecker(declared []string) *Checker {
	tokens := make([]Token, 0, len(declared))
	for _, s := range declared {
		if t, ok := Parse(s); ok {
			tokens = append(tokens, t)
		}
	}
	return &Checker{tokens: tokens}
}

// NewCheckerFromTokens wraps an already-parsed token set.
func NewCheckerFromTokens(tokens []Token) *Checker {
	return &Checker{tokens: tokens}
}

// Check reports whether any held token satisfies the required string.
func (c *Checker) Check(required string) bool {
	for _, t := range c.tokens {
		if t.Matches(required) {
			return true
		}
	}
	return false
}

// CanReadState reports read access to a state key.
func (c *Checker) CanReadState(key string) bool {
	return c.Check(fmt.Sprintf("state:read:%s", key))
}

// CanWriteState reports write access to a state key.
func (c *Checker) CanWriteState(key string) bool {
	return c.Check(fmt.Sprintf("state:write:%s", key))
}

// CanEmitEvent reports permission to emit a named event.
func (c *Checker) CanEmitEvent(name string) bool {
	return c.Check(fmt.Sprintf("events:emit:%s", name))
}

// CanUpdateView reports permission to command a view component.
func (c *Checker) CanUpdateView(componentID string) bool {
	return c.Check(fmt.Sprintf("view:update:%s", componentID))
}

// CanAccessExtension reports permission to call an extension.
func (c *Checker) CanAccessExtension(name string) bool {
	return c.Check(fmt.Sprintf("ext:%s", name))
}

// CanReadAllState reports whether the wildcard read token is held.
// Key enumeration (Object.keys over the snapshot) requires it.
func (c *Checker) CanReadAllState() bool {
	for _, t := range c.tokens {
		if t.Domain == DomainState && t.Op == OpRead && t.All {
			return true
		}
	}
	return false
}

// Tokens returns the held token set.
func (c *Checker) Tokens() []Token {
	return c.tokens
}

// Empty reports whether no tokens are held.
func (c *Checker) Empty() bool {
	return len(c.tokens) == 0
}
