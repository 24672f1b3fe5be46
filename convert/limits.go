package convert

import (
	"sync"

	"fileconverter/config"
)

type inputLimit struct {
	Type string `json:"type"`
	Zip  *struct {
		Compressed   any    `json:"compressed"`
		Uncompressed any    `json:"uncompressed"`
		Template     string `json:"template"`
	} `json:"zip"`
}

// LimitsCache holds the rendered input-limit table per tenant. The table only
// depends on configuration, so it lives until the next config reload.
type LimitsCache struct {
	mu     sync.RWMutex
	tables map[string]string
	// gen counts reloads; a table rendered under an older generation is
	// returned but not stored.
	gen    uint64
	render func(*config.Overlay) string
}

func NewLimitsCache() *LimitsCache {
	return &LimitsCache{tables: make(map[string]string), render: renderLimits}
}

// XML returns the m_oInputLimits block for the overlay's tenant.
func (l *LimitsCache) XML(cfg *config.Overlay) string {
	l.mu.RLock()
	table, ok := l.tables[cfg.Tenant()]
	gen := l.gen
	l.mu.RUnlock()
	if ok {
		return table
	}

	table = l.render(cfg)
	l.mu.Lock()
	if l.gen == gen {
		l.tables[cfg.Tenant()] = table
	}
	l.mu.Unlock()
	return table
}

// Invalidate drops every cached table.
func (l *LimitsCache) Invalidate() {
	l.mu.Lock()
	l.tables = make(map[string]string)
	l.gen++
	l.mu.Unlock()
}

func renderLimits(cfg *config.Overlay) string {
	var limits []inputLimit
	_ = cfg.Decode("converter.inputLimits", &limits)

	var b xmlBuilder
	b.WriteString("<m_oInputLimits>")
	for _, limit := range limits {
		if limit.Type == "" || limit.Zip == nil {
			continue
		}
		b.WriteString("<m_oInputLimit")
		b.attr("type", limit.Type)
		b.WriteString("><m_oZip")
		if n, ok := sizeOf(limit.Zip.Compressed); ok {
			b.attr("compressed", n)
		}
		if n, ok := sizeOf(limit.Zip.Uncompressed); ok {
			b.attr("uncompressed", n)
		}
		b.attr("template", limit.Zip.Template)
		b.WriteString("/></m_oInputLimit>")
	}
	b.WriteString("</m_oInputLimits>")
	return b.String()
}

func sizeOf(v any) (int64, bool) {
	switch s := v.(type) {
	case string:
		if s == "" {
			return 0, false
		}
		n, err := config.ParseSize(s)
		return n, err == nil
	case float64:
		return int64(s), s != 0
	}
	return 0, false
}
