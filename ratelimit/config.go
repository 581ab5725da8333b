package ratelimit

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultLimit       = 100
	DefaultWindow      = 60 * time.Second
	ExpensiveToolLimit = 10
	DefaultCost        = 1
	tokenWindow        = time.Minute
)

var expensiveTools = map[string]struct{}{
	"export_orders":        {},
	"generate_report":      {},
	"bulk_update_products": {},
	"analyze_sales":        {},
	"sync_inventory":       {},
}

// IsExpensive reports whether tool is subject to ExpensiveToolLimit when the
// tenant has no explicit override for it.
func IsExpensive(tool string) bool {
	_, ok := expensiveTools[tool]
	return ok
}

var defaultCosts = map[string]int{
	"get_order":            1,
	"list_orders":          2,
	"search_products":      2,
	"analyze_sales":        5,
	"generate_report":      10,
	"export_orders":        10,
	"bulk_update_products": 8,
	"sync_inventory":       8,
}

// Duration is a time.Duration that encodes as a Go duration string ("60s")
// and also accepts a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("ratelimit: invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("ratelimit: invalid duration %s", b)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// ToolOverride replaces the tenant-level settings for one tool. Zero fields
// fall back to the tenant config.
type ToolOverride struct {
	Limit  int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Window Duration `json:"window,omitempty" yaml:"window,omitempty"`
	Cost   int      `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// Config is a tenant's rate-limit configuration.
type Config struct {
	Limit           int                     `json:"limit" yaml:"limit"`
	Window          Duration                `json:"window" yaml:"window"`
	TokensPerMinute int                     `json:"tokensPerMinute,omitempty" yaml:"tokensPerMinute,omitempty"`
	Tools           map[string]ToolOverride `json:"tools,omitempty" yaml:"tools,omitempty"`
}

// DefaultConfig is applied to tenants without a stored config.
func DefaultConfig() Config {
	return Config{Limit: DefaultLimit, Window: Duration(DefaultWindow)}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("ratelimit: limit must be positive, got %d", c.Limit)
	}
	if c.Window <= 0 {
		return fmt.Errorf("ratelimit: window must be positive, got %s", c.Window.Std())
	}
	if c.TokensPerMinute < 0 {
		return fmt.Errorf("ratelimit: tokensPerMinute must not be negative")
	}
	for name, o := range c.Tools {
		if o.Limit < 0 || o.Window < 0 || o.Cost < 0 {
			return fmt.Errorf("ratelimit: override for %q has negative values", name)
		}
	}
	return nil
}

// Normalize fills a zero limit and window from the defaults.
func (c Config) Normalize() Config {
	if c.Limit == 0 {
		c.Limit = DefaultLimit
	}
	if c.Window == 0 {
		c.Window = Duration(DefaultWindow)
	}
	return c
}

// clone returns a copy whose Tools map is not shared with c.
func (c Config) clone() Config {
	if c.Tools != nil {
		tools := make(map[string]ToolOverride, len(c.Tools))
		for k, v := range c.Tools {
			tools[k] = v
		}
		c.Tools = tools
	}
	return c
}

// EffectiveLimit returns the request limit and window for tool.
func (c Config) EffectiveLimit(tool string) (int, time.Duration) {
	if tool != "" {
		if o, ok := c.Tools[tool]; ok {
			limit, win := o.Limit, o.Window.Std()
			if limit == 0 {
				limit = c.Limit
			}
			if win == 0 {
				win = c.Window.Std()
			}
			return limit, win
		}
		if IsExpensive(tool) {
			return min(c.Limit, ExpensiveToolLimit), c.Window.Std()
		}
	}
	return c.Limit, c.Window.Std()
}

// Cost returns the token cost of one call to tool.
func (c Config) Cost(tool string) int {
	if o, ok := c.Tools[tool]; ok && o.Cost > 0 {
		return o.Cost
	}
	if cost, ok := defaultCosts[tool]; ok {
		return cost
	}
	return DefaultCost
}
