package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
)

// Overlay is an immutable, merged view of the base settings tree and one
// tenant's overrides. Keys are dotted paths such as
// "converter.downloadTimeout.connectionAndInactivity".
type Overlay struct {
	tenant string
	tree   map[string]any
}

func NewOverlay(tenant string, tree map[string]any) *Overlay {
	if tree == nil {
		tree = map[string]any{}
	}
	return &Overlay{tenant: tenant, tree: tree}
}

func (o *Overlay) Tenant() string {
	return o.tenant
}

// Get returns the raw value at key, or def when the key is absent or null.
func (o *Overlay) Get(key string, def any) any {
	var cur any = o.tree
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return def
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return def
		}
	}
	return cur
}

func (o *Overlay) String(key, def string) string {
	switch v := o.Get(key, nil).(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

func (o *Overlay) Int(key string, def int) int {
	return int(o.Int64(key, int64(def)))
}

func (o *Overlay) Int64(key string, def int64) int64 {
	switch v := o.Get(key, nil).(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func (o *Overlay) Bool(key string, def bool) bool {
	switch v := o.Get(key, nil).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration accepts Go duration strings ("2m", "500ms") or plain numbers of
// milliseconds.
func (o *Overlay) Duration(key string, def time.Duration) time.Duration {
	switch v := o.Get(key, nil).(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return def
}

// Size accepts byte counts or human sizes ("50MB", binary multiples).
func (o *Overlay) Size(key string, def int64) int64 {
	switch v := o.Get(key, nil).(type) {
	case string:
		if n, err := ParseSize(v); err == nil {
			return n
		}
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return def
}

func (o *Overlay) Strings(key string) []string {
	switch v := o.Get(key, nil).(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Decode copies the subtree at key into out using JSON field rules. A missing
// key leaves out untouched.
func (o *Overlay) Decode(key string, out any) error {
	v := o.Get(key, nil)
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// ParseSize parses "50MB"-style sizes with 1024-based multiples.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	return units.RAMInBytes(s)
}

// merge deep-merges src into dst and returns dst.
func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			if dm, ok := dst[k].(map[string]any); ok {
				dst[k] = merge(dm, sm)
				continue
			}
			dst[k] = merge(map[string]any{}, sm)
			continue
		}
		dst[k] = v
	}
	return dst
}
