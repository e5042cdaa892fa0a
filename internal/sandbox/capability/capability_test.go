package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Token
		ok    bool
	}{
		{"state read scoped", "state:read:count", Token{Domain: "state", Op: "read", Scope: "count"}, true},
		{"state write scoped", "state:write:total", Token{Domain: "state", Op: "write", Scope: "total"}, true},
		{"state read wildcard", "state:read:*", Token{Domain: "state", Op: "read", All: true}, true},
		{"state write wildcard", "state:write:*", Token{Domain: "state", Op: "write", All: true}, true},
		{"events emit scoped", "events:emit:refresh", Token{Domain: "events", Op: "emit", Scope: "refresh"}, true},
		{"events emit wildcard", "events:emit:*", Token{Domain: "events", Op: "emit", All: true}, true},
		{"view update scoped", "view:update:chart1", Token{Domain: "view", Op: "update", Scope: "chart1"}, true},
		{"view update wildcard", "view:update:*", Token{Domain: "view", Op: "update", All: true}, true},
		{"extension scoped", "ext:http", Token{Domain: "ext", Scope: "http"}, true},
		{"extension wildcard", "ext:*", Token{Domain: "ext", All: true}, true},
		{"empty", "", Token{}, false},
		{"bad domain", "files:read:x", Token{}, false},
		{"bad op", "state:emit:x", Token{}, false},
		{"missing scope", "state:read:", Token{}, false},
		{"too many parts", "state:read:a:b", Token{}, false},
		{"ext with op", "ext:call:http", Token{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	for _, s := range []string{
		"state:read:count", "state:write:*", "events:emit:refresh",
		"view:update:*", "ext:http", "ext:*",
	} {
		tok, ok := Parse(s)
		require.True(t, ok, s)
		assert.Equal(t, s, tok.String())
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		token    string
		required string
		want     bool
	}{
		{"state:read:*", "state:read:count", true},
		{"state:read:count", "state:read:count", true},
		{"state:read:count", "state:read:total", false},
		{"state:read:count", "state:write:count", false},
		{"state:write:*", "state:write:anything", true},
		{"events:emit:*", "events:emit:refresh", true},
		{"events:emit:refresh", "events:emit:other", false},
		{"view:update:*", "view:update:chart1", true},
		{"ext:*", "ext:http", true},
		{"ext:http", "ext:http", true},
		{"ext:http", "ext:storage", false},
		// A scoped token never satisfies a wildcard requirement.
		{"state:read:count", "state:read:*", false},
		{"state:read:*", "state:read:*", true},
	}

	for _, tt := range tests {
		t.Run(tt.token+"->"+tt.required, func(t *testing.T) {
			tok, ok := Parse(tt.token)
			require.True(t, ok)
			assert.Equal(t, tt.want, tok.Matches(tt.required))
		})
	}
}

func TestChecker(t *testing.T) {
	c := NewChecker([]string{
		"state:read:*",
		"state:write:count",
		"events:emit:refresh",
		"view:update:chart1",
		"ext:http",
		"not a capability",
	})

	assert.True(t, c.CanReadState("count"))
	assert.True(t, c.CanReadState("anything"))
	assert.True(t, c.CanReadAllState())
	assert.True(t, c.CanWriteState("count"))
	assert.False(t, c.CanWriteState("total"))
	assert.True(t, c.CanEmitEvent("refresh"))
	assert.False(t, c.CanEmitEvent("other"))
	assert.True(t, c.CanUpdateView("chart1"))
	assert.False(t, c.CanUpdateView("chart2"))
	assert.True(t, c.CanAccessExtension("http"))
	assert.False(t, c.CanAccessExtension("storage"))

	// Malformed declarations grant nothing.
	assert.Len(t, c.Tokens(), 5)
}

func TestCheckerEmpty(t *testing.T) {
	c := NewChecker(nil)
	assert.True(t, c.Empty())
	assert.False(t, c.CanReadState("x"))
	assert.False(t, c.CanReadAllState())
	assert.False(t, c.Check("state:read:x"))
}

func TestInfer(t *testing.T) {
	source := `
		$state.count = ($state.count || 0) + 1;
		const total = $state.total;
		$emit('refresh', {count: $state.count});
		const res = $ext.http.get({url: 'https://example.com'});
	`

	got := InferStrings(source)
	assert.Contains(t, got, "state:write:count")
	assert.Contains(t, got, "state:read:count")
	assert.Contains(t, got, "state:read:total")
	assert.Contains(t, got, "events:emit:refresh")
	assert.Contains(t, got, "ext:http")
	assert.NotContains(t, got, "state:write:total")
}

func TestInferComparisonIsNotWrite(t *testing.T) {
	got := InferStrings(`if ($state.count == 5) { $emit("hit", {}) }`)
	assert.Contains(t, got, "state:read:count")
	assert.NotContains(t, got, "state:write:count")
	assert.Contains(t, got, "events:emit:hit")
}

func TestInferDeterministic(t *testing.T) {
	source := `$state.b = 1; $state.a = 2;`
	first := InferStrings(source)
	second := InferStrings(source)
	assert.Equal(t, first, second)
}
