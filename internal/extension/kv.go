package extension

import (
	"context"
	"fmt"
	"sync"
)

// KVProvider is a process-local key/value store exposed as $ext.kv, for
// handler data that outlives a single invocation but not the process.
type KVProvider struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewKVProvider creates an empty store.
func NewKVProvider() *KVProvider {
	return &KVProvider{data: make(map[string]any)}
}

func (p *KVProvider) Name() string { return "kv" }

func (p *KVProvider) Methods() []string { return []string{"get", "set", "delete", "keys"} }

// Invoke dispatches on method; args is {key?, value?}.
func (p *KVProvider) Invoke(_ context.Context, method string, args any) (any, error) {
	params, _ := args.(map[string]any)
	key, _ := params["key"].(string)

	switch method {
	case "get":
		if key == "" {
			return nil, fmt.Errorf("kv.get: missing key")
		}
		p.mu.RLock()
		defer p.mu.RUnlock()
		return p.data[key], nil

	case "set":
		if key == "" {
			return nil, fmt.Errorf("kv.set: missing key")
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		p.data[key] = params["value"]
		return true, nil

	case "delete":
		if key == "" {
			return nil, fmt.Errorf("kv.delete: missing key")
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.data, key)
		return true, nil

	case "keys":
		p.mu.RLock()
		defer p.mu.RUnlock()
		keys := make([]any, 0, len(p.data))
		for k := range p.data {
			keys = append(keys, k)
		}
		return keys, nil

	default:
		return nil, fmt.Errorf("kv: unsupported method %q", method)
	}
}
