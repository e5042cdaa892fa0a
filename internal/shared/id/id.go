// Package id provides prefixed ULID generation for engine identifiers.
//
// ULIDs are lexicographically sortable, so instance and request ids order
// by creation time in logs and stats without extra timestamps. Prefixes
// (inst_*, req_*) make the id type obvious when debugging. Suspension ids
// are deliberately NOT ULIDs: they are one-shot opaque tokens minted by the
// execution context (uuid) and must not leak creation-time ordering.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceID identifies a pooled sandbox instance.
type InstanceID string

// RequestID identifies one host API request.
type RequestID string

const (
	instancePrefix = "inst"
	requestPrefix  = "req"
)

// Generator generates ULIDs from a guarded entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator(rand.Reader)
	})
	return defaultGenerator
}

// NewGenerator creates a generator over the given entropy source.
func NewGenerator(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewInstanceID mints an instance id.
func NewInstanceID() InstanceID {
	return InstanceID(Default().GenerateWithPrefix(instancePrefix))
}

// NewRequestID mints a request id.
func NewRequestID() RequestID {
	return RequestID(Default().GenerateWithPrefix(requestPrefix))
}

func (i InstanceID) String() string { return string(i) }
func (r RequestID) String() string  { return string(r) }
