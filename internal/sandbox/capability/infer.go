package capability

import (
	"regexp"
	"sort"
)

var (
	stateWriteRe = regexp.MustCompile(`\$state\.(\w+)\s*=[^=]`)
	stateReadRe  = regexp.MustCompile(`\$state\.(\w+)`)
	emitRe       = regexp.MustCompile(`\$emit\s*\(\s*['"]([\w.-]+)['"]`)
	extRe        = regexp.MustCompile(`\$ext\.(\w+)`)
)

// Infer scans handler source for capability-relevant patterns and returns a
// best-effort token set. It is approximate in both directions (dynamic key
// access is invisible, dead code is not) and is intended for lint tooling;
// declared capabilities always win. The result is sorted and deduplicated.
func Infer(source string) []Token {
	seen := make(map[string]Token)

	add := func(t Token) {
		seen[t.String()] = t
	}

	for _, m := range stateWriteRe.FindAllStringSubmatch(source, -1) {
		add(Token{Domain: DomainState, Op: OpWrite, Scope: m[1]})
	}
	for _, m := range stateReadRe.FindAllStringSubmatch(source, -1) {
		add(Token{Domain: DomainState, Op: OpRead, Scope: m[1]})
	}
	for _, m := range emitRe.FindAllStringSubmatch(source, -1) {
		add(Token{Domain: DomainEvents, Op: OpEmit, Scope: m[1]})
	}
	for _, m := range extRe.FindAllStringSubmatch(source, -1) {
		add(Token{Domain: DomainExt, Scope: m[1]})
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tokens := make([]Token, 0, len(keys))
	for _, k := range keys {
		tokens = append(tokens, seen[k])
	}
	return tokens
}

// InferStrings is Infer rendered back to capability strings.
func InferStrings(source string) []string {
	tokens := Infer(source)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.String()
	}
	return out
}
