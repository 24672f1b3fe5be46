package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
)

// LoadTree reads the base settings tree. A missing file yields an empty tree
// so the worker can run on built-in defaults.
func LoadTree(path string) (map[string]any, error) {
	tree := map[string]any{}
	if path == "" {
		return tree, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return tree, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return tree, nil
}

// Resolver hands out per-tenant Overlays. Tenant files are read once and
// cached until Invalidate is called.
type Resolver struct {
	tenantsDir    string
	filename      string
	defaultTenant string

	mu       sync.RWMutex
	base     map[string]any
	cache    map[string]*Overlay
	onReload []func()
}

func NewResolver(base map[string]any, tenantsDir, filename, defaultTenant string) *Resolver {
	if base == nil {
		base = map[string]any{}
	}
	return &Resolver{
		tenantsDir:    tenantsDir,
		filename:      filename,
		defaultTenant: defaultTenant,
		base:          base,
		cache:         make(map[string]*Overlay),
	}
}

// Resolve returns the effective settings for tenant.
func (r *Resolver) Resolve(tenant string) (*Overlay, error) {
	r.mu.RLock()
	o, ok := r.cache[tenant]
	base := r.base
	r.mu.RUnlock()
	if ok {
		return o, nil
	}

	tree := merge(map[string]any{}, base)
	if r.tenantsDir != "" && tenant != "" && tenant != r.defaultTenant {
		override, err := r.readTenant(tenant)
		if err != nil {
			return nil, err
		}
		tree = merge(tree, override)
	}
	o = NewOverlay(tenant, tree)

	r.mu.Lock()
	r.cache[tenant] = o
	r.mu.Unlock()
	return o, nil
}

// GetCfg is a shorthand for Resolve(tenant).Get(key, def).
func (r *Resolver) GetCfg(tenant, key string, def any) (any, error) {
	o, err := r.Resolve(tenant)
	if err != nil {
		return nil, err
	}
	return o.Get(key, def), nil
}

func (r *Resolver) readTenant(tenant string) (map[string]any, error) {
	path := filepath.Join(r.tenantsDir, SanitizeTenant(tenant), r.filename)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tenant config %s: %w", path, err)
	}
	override := map[string]any{}
	if err := json.Unmarshal(jsonc.ToJSON(data), &override); err != nil {
		return nil, fmt.Errorf("parse tenant config %s: %w", path, err)
	}
	return override, nil
}

// SetBase replaces the base tree and invalidates every cached overlay.
func (r *Resolver) SetBase(base map[string]any) {
	r.mu.Lock()
	r.base = base
	r.mu.Unlock()
	r.Invalidate()
}

// OnReload registers fn to run after each invalidation.
func (r *Resolver) OnReload(fn func()) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*Overlay)
	hooks := append([]func(){}, r.onReload...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// SanitizeTenant strips characters that are not safe in a path component.
func SanitizeTenant(tenant string) string {
	tenant = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', '?', '%', '*', ':', '|', '"', '<', '>':
			return -1
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, tenant)
	return strings.ReplaceAll(tenant, "..", "")
}
