package extension

import (
	"context"
	"fmt"
	"time"
)

// maxSleep caps $ext.clock.sleep so a handler cannot pin its instance
// indefinitely between suspension and resume.
const maxSleep = 30 * time.Second

// ClockProvider exposes wall-clock reads and bounded sleeps as $ext.clock.
// Sleeping through a suspension keeps the sandbox timeout honest: the wait
// happens outside the VM, not against the handler's execution budget.
type ClockProvider struct {
	now func() time.Time
}

// NewClockProvider uses the system clock.
func NewClockProvider() *ClockProvider {
	return &ClockProvider{now: time.Now}
}

func (p *ClockProvider) Name() string { return "clock" }

func (p *ClockProvider) Methods() []string { return []string{"now", "sleep"} }

func (p *ClockProvider) Invoke(ctx context.Context, method string, args any) (any, error) {
	switch method {
	case "now":
		return p.now().UnixMilli(), nil

	case "sleep":
		params, _ := args.(map[string]any)
		ms, ok := toInt64(params["ms"])
		if !ok || ms < 0 {
			return nil, fmt.Errorf("clock.sleep: ms must be a non-negative number")
		}
		d := time.Duration(ms) * time.Millisecond
		if d > maxSleep {
			d = maxSleep
		}
		select {
		case <-time.After(d):
			return true, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	default:
		return nil, fmt.Errorf("clock: unsupported method %q", method)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}
