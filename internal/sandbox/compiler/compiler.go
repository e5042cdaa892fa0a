// Package compiler turns handler source into cached goja programs.
//
// Programs are content-addressed by SHA-256 of the source plus a format
// version salt, so a wrapper change invalidates old entries. Two cache
// tiers sit in front of the native compiler: an in-memory LRU sharing the
// compiled program, and an optional on-disk tier of zstd-compressed wrapped
// source. Compile errors are never cached.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/pulseboard/backend/internal/sandbox/types"
)

// formatVersion salts the content hash; bump when the wrapper changes.
const formatVersion = "v1"

// wrapLineOffset is the number of wrapper lines before handler source.
const wrapLineOffset = 2

// Handler is one compiled handler. The Program pointer is shared between
// cache hits; goja programs are immutable and safe for concurrent use.
type Handler struct {
	Program    *goja.Program
	Hash       string
	Source     string // original handler source
	CompiledAt time.Time
	Size       uint64
	CacheHit   bool
	CompileUS  uint64
}

// Config tunes the cache tiers.
type Config struct {
	MaxEntries   int
	MaxBytes     uint64
	DiskDir      string // empty disables the disk tier
	DiskMaxBytes uint64
}

// DefaultConfig returns the shipped cache budgets.
func DefaultConfig() Config {
	return Config{
		MaxEntries:   256,
		MaxBytes:     16 * 1024 * 1024,
		DiskMaxBytes: 64 * 1024 * 1024,
	}
}

// Stats is a cache snapshot.
type Stats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Compilations uint64  `json:"compilations"`
	Entries      int     `json:"entries"`
	SizeBytes    uint64  `json:"size_bytes"`
	HitRate      float64 `json:"hit_rate"`
}

// Compiler compiles and caches handlers.
type Compiler struct {
	mem  *memoryCache
	disk *diskCache

	hits         atomic.Uint64
	misses       atomic.Uint64
	compilations atomic.Uint64
}

// New builds a compiler. A disk-tier setup failure disables that tier
// rather than failing construction.
func New(cfg Config) *Compiler {
	c := &Compiler{
		mem: newMemoryCache(cfg.MaxEntries, cfg.MaxBytes),
	}
	if cfg.DiskDir != "" {
		if d, err := newDiskCache(cfg.DiskDir, cfg.DiskMaxBytes); err == nil {
			c.disk = d
		}
	}
	return c
}

// HashSource returns the content-hash key for handler source.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + formatVersion))
	return hex.EncodeToString(sum[:])
}

// Compile returns the compiled handler for source, consulting both cache
// tiers before invoking the native compiler.
func (c *Compiler) Compile(source string) (*Handler, *types.Error) {
	key := HashSource(source)

	if h, ok := c.mem.get(key); ok {
		c.hits.Add(1)
		hit := *h
		hit.CacheHit = true
		hit.CompileUS = 0
		return &hit, nil
	}

	if c.disk != nil {
		if wrapped, ok := c.disk.get(key); ok {
			h, cerr := c.compileWrapped(key, source, wrapped)
			if cerr != nil {
				return nil, cerr
			}
			c.mem.put(key, h)
			c.hits.Add(1)
			hit := *h
			hit.CacheHit = true
			return &hit, nil
		}
	}

	c.misses.Add(1)
	wrapped := Wrap(source)
	h, cerr := c.compileWrapped(key, source, wrapped)
	if cerr != nil {
		return nil, cerr
	}
	c.mem.put(key, h)
	if c.disk != nil {
		c.disk.put(key, wrapped)
	}
	return h, nil
}

// Precompile compiles eagerly without executing and returns the hash.
func (c *Compiler) Precompile(source string) (string, *types.Error) {
	h, cerr := c.Compile(source)
	if cerr != nil {
		return "", cerr
	}
	return h.Hash, nil
}

// GetByHash returns a previously compiled handler by its content hash.
// Only the memory and disk tiers are consulted; an evicted handler is gone.
func (c *Compiler) GetByHash(hash string) (*Handler, bool) {
	if h, ok := c.mem.get(hash); ok {
		hit := *h
		hit.CacheHit = true
		hit.CompileUS = 0
		return &hit, true
	}
	if c.disk != nil {
		if wrapped, ok := c.disk.get(hash); ok {
			h, cerr := c.compileWrappedByHash(hash, wrapped)
			if cerr == nil {
				c.mem.put(hash, h)
				hit := *h
				hit.CacheHit = true
				return &hit, true
			}
		}
	}
	return nil, false
}

func (c *Compiler) compileWrapped(key, source, wrapped string) (*Handler, *types.Error) {
	start := time.Now()
	prog, err := goja.Compile(programName(key), wrapped, true)
	if err != nil {
		return nil, compileErrorFrom(err, source)
	}
	c.compilations.Add(1)

	return &Handler{
		Program:    prog,
		Hash:       key,
		Source:     source,
		CompiledAt: time.Now(),
		Size:       uint64(len(wrapped)),
		CompileUS:  uint64(time.Since(start).Microseconds()),
	}, nil
}

// compileWrappedByHash recovers the original source from wrapped text for
// disk hits resolved by hash alone.
func (c *Compiler) compileWrappedByHash(key, wrapped string) (*Handler, *types.Error) {
	return c.compileWrapped(key, Unwrap(wrapped), wrapped)
}

// Stats snapshots the cache counters.
func (c *Compiler) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return Stats{
		Hits:         hits,
		Misses:       misses,
		Compilations: c.compilations.Load(),
		Entries:      c.mem.len(),
		SizeBytes:    c.mem.sizeBytes(),
		HitRate:      rate,
	}
}

// Clear drops both cache tiers.
func (c *Compiler) Clear() {
	c.mem.clear()
	if c.disk != nil {
		c.disk.clear()
	}
}

func programName(key string) string {
	return fmt.Sprintf("handler_%s.js", key[:12])
}

// Wrap embeds handler source in the strict-mode function the instance
// invokes with the bound host globals.
func Wrap(source string) string {
	return "\"use strict\";\n" +
		"(function($state, $args, $scope, $emit, $view, $ext, $log, $toast) {\n" +
		source + "\n" +
		"});"
}

// Unwrap recovers handler source from wrapped text.
func Unwrap(wrapped string) string {
	lines := strings.Split(wrapped, "\n")
	if len(lines) <= wrapLineOffset+1 {
		return wrapped
	}
	return strings.Join(lines[wrapLineOffset:len(lines)-1], "\n")
}

var lineColRe = regexp.MustCompile(`Line (\d+):(\d+)`)

// compileErrorFrom converts a goja compile failure into the data error
// form, mapping wrapped-source lines back to handler lines and attaching a
// snippet.
func compileErrorFrom(err error, source string) *types.Error {
	msg := err.Error()
	cerr := types.CompileError(msg)

	m := lineColRe.FindStringSubmatch(msg)
	if m == nil {
		return cerr
	}
	line, _ := strconv.Atoi(m[1])
	col, _ := strconv.Atoi(m[2])
	line -= wrapLineOffset
	if line < 1 {
		return cerr
	}
	return cerr.WithLocation(&types.Location{
		Line:    line,
		Column:  col,
		Snippet: SnippetAt(source, line),
	})
}

// SnippetAt returns the source line at a 1-based line number.
func SnippetAt(source string, line int) string {
	lines := strings.Split(source, "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[line-1])
}
