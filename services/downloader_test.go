package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fileconverter/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestDownloader(fn roundTripFunc) *Downloader {
	d := NewDownloader(&http.Client{Transport: fn}, logging.Discard())
	d.sleep = func(context.Context, time.Duration) {}
	return d
}

func okResponse(body string, contentLength int64) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: contentLength,
		Header:        make(http.Header),
	}
}

func TestDownloader_Success(t *testing.T) {
	t.Parallel()

	var gotAuth string
	d := newTestDownloader(func(r *http.Request) (*http.Response, error) {
		gotAuth = r.Header.Get("Authorization")
		return okResponse("hello", 5), nil
	})

	dest := filepath.Join(t.TempDir(), "out.docx")
	n, err := d.Download(context.Background(), "https://files.example.com/a.docx", dest, DownloadOptions{
		MaxBytes: 10,
		Attempts: 3,
		Headers:  map[string]string{"Authorization": "Bearer abc"},
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes, got %d", n)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("header not forwarded: %q", gotAuth)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "hello" {
		t.Errorf("unexpected content %q", data)
	}
}

func TestDownloader_TooLargeIsNotRetried(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		contentLength int64
	}{
		{"declared length", 100},
		{"chunked body", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			d := newTestDownloader(func(r *http.Request) (*http.Response, error) {
				calls.Add(1)
				return okResponse(strings.Repeat("x", 100), tt.contentLength), nil
			})

			dest := filepath.Join(t.TempDir(), "out")
			_, err := d.Download(context.Background(), "http://example.com/big", dest, DownloadOptions{
				MaxBytes: 10,
				Attempts: 3,
			})
			if !errors.Is(err, ErrDownloadTooLarge) {
				t.Fatalf("expected ErrDownloadTooLarge, got %v", err)
			}
			if calls.Load() != 1 {
				t.Errorf("expected a single attempt, got %d", calls.Load())
			}
		})
	}
}

func TestDownloader_FilteredHostMakesNoRequest(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDownloader(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return okResponse("", 0), nil
	})
	filter, err := NewHostFilter([]HostRule{
		{Address: "*.internal", Allowed: false},
		{Address: "127.0.0.1", Allowed: false},
	})
	if err != nil {
		t.Fatalf("NewHostFilter failed: %v", err)
	}

	_, err = d.Download(context.Background(), "http://db.INTERNAL/x", filepath.Join(t.TempDir(), "out"), DownloadOptions{
		Attempts: 3,
		Filter:   filter,
	})
	if !errors.Is(err, ErrHostFiltered) {
		t.Fatalf("expected ErrHostFiltered, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("filtered host must not be contacted, got %d requests", calls.Load())
	}
}

func TestDownloader_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDownloader(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Header:     make(http.Header),
			}, nil
		}
		return okResponse("ok", 2), nil
	})

	n, err := d.Download(context.Background(), "http://example.com/f", filepath.Join(t.TempDir(), "out"), DownloadOptions{
		Attempts: 3,
	})
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if n != 2 || calls.Load() != 3 {
		t.Errorf("n=%d calls=%d, want 2 and 3", n, calls.Load())
	}
}

func TestDownloader_TimeoutIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	d := newTestDownloader(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, timeoutError{}
	})

	_, err := d.Download(context.Background(), "http://slow.example.com/f", filepath.Join(t.TempDir(), "out"), DownloadOptions{
		Attempts: 5,
		Timeout:  time.Second,
	})
	if !errors.Is(err, ErrDownloadTimeout) {
		t.Fatalf("expected ErrDownloadTimeout, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestHostFilter_FirstMatchWins(t *testing.T) {
	filter, err := NewHostFilter([]HostRule{
		{Address: "good.example.com", Allowed: true},
		{Address: "*.example.com", Allowed: false},
	})
	if err != nil {
		t.Fatal(err)
	}
	tests := map[string]bool{
		"good.example.com": true,
		"bad.example.com":  false,
		"example.org":      true,
	}
	for host, want := range tests {
		if got := filter.Allowed(host); got != want {
			t.Errorf("Allowed(%q) = %v, want %v", host, got, want)
		}
	}

	var nilFilter *HostFilter
	if !nilFilter.Allowed("anything") {
		t.Error("nil filter must allow everything")
	}
}
