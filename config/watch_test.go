package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fileconverter/logging"
)

func TestWatch_TenantChangeInvalidates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "acme", "config.json")
	writeFile(t, path, `{"server": {"maxRequestChanges": 10}}`)

	r := NewResolver(nil, dir, "config.json", "")
	reloaded := make(chan struct{}, 16)
	r.OnReload(func() { reloaded <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Watch(ctx, r, "", logging.Discard())

	// the watcher registers asynchronously; keep touching until it notices
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-reloaded:
			o, err := r.Resolve("acme")
			if err != nil {
				t.Fatal(err)
			}
			if got := o.Int("server.maxRequestChanges", 0); got != 20 {
				t.Errorf("maxRequestChanges = %d, want 20", got)
			}
			return
		case <-tick.C:
			writeFile(t, path, `{"server": {"maxRequestChanges": 20}}`)
		case <-deadline:
			t.Fatal("tenant change not noticed")
		}
	}
}
