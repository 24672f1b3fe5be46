package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"fileconverter/config"
	"fileconverter/logging"
	"fileconverter/models"
	"fileconverter/services"
)

// memStore is an in-memory ContentStore keyed by folder/tenant/key.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) put(tenant, folder, key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[folder+"/"+tenant+"/"+key] = []byte(content)
}

func (m *memStore) get(tenant, folder, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[folder+"/"+tenant+"/"+key]
	return string(data), ok
}

func (m *memStore) keys(tenant, folder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	root := folder + "/" + tenant + "/"
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, root) {
			out = append(out, strings.TrimPrefix(k, root))
		}
	}
	sort.Strings(out)
	return out
}

func (m *memStore) ListObjects(ctx context.Context, tenant, folder, prefix string) ([]string, error) {
	var out []string
	for _, k := range m.keys(tenant, folder) {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memStore) DownloadObject(ctx context.Context, tenant, folder, key, localPath string) error {
	data, ok := m.get(tenant, folder, key)
	if !ok {
		return fmt.Errorf("no object %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(localPath, []byte(data), 0644)
}

func (m *memStore) UploadObject(ctx context.Context, tenant, folder, key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	m.put(tenant, folder, key, string(data))
	return nil
}

// fakeDownloader writes content to dest, or fails with err.
type fakeDownloader struct {
	mu      sync.Mutex
	content string
	err     error
	calls   []string
	opts    []services.DownloadOptions
}

func (f *fakeDownloader) Download(ctx context.Context, rawURL, dest string, opts services.DownloadOptions) (int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, rawURL)
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	if err := os.WriteFile(dest, []byte(f.content), 0644); err != nil {
		return 0, err
	}
	return int64(len(f.content)), nil
}

func newTestConverter(t *testing.T, store *memStore, changes ChangeLogStore, dl Downloader) *Converter {
	t.Helper()
	c := NewConverter(Deps{
		Store:         store,
		Changes:       changes,
		Downloader:    dl,
		Cipher:        services.NewPasswordCipher("secret", 1000),
		Logger:        logging.Discard(),
		TempDir:       t.TempDir(),
		ServerVersion: "8.1.0",
	})
	c.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }
	return c
}

func newTestJob(t *testing.T, task *models.ConversionTask, tree map[string]any) *job {
	t.Helper()
	area, err := NewWorkingArea(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if task.Tenant == "" {
		task.Tenant = "acme"
	}
	return newJob(task, config.NewOverlay(task.Tenant, tree), area, logging.Discard(), time.Now())
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
