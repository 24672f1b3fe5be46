package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"
)

var (
	ErrHostFiltered     = errors.New("host rejected by filter")
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
	ErrDownloadTimeout  = errors.New("download timed out")
)

// HostRule is one entry of the request host filter. Address may contain
// '*' wildcards.
type HostRule struct {
	Address string `json:"address"`
	Allowed bool   `json:"allowed"`
}

// HostFilter applies rules in order; the first match wins and hosts that
// match nothing are allowed.
type HostFilter struct {
	rules    []HostRule
	patterns []*regexp.Regexp
}

func NewHostFilter(rules []HostRule) (*HostFilter, error) {
	f := &HostFilter{rules: rules}
	for _, rule := range rules {
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(strings.ToLower(rule.Address)), `\*`, ".*") + "$"
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid host rule %q: %w", rule.Address, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *HostFilter) Allowed(host string) bool {
	if f == nil {
		return true
	}
	host = strings.ToLower(host)
	for i, re := range f.patterns {
		if re.MatchString(host) {
			return f.rules[i].Allowed
		}
	}
	return true
}

type DownloadOptions struct {
	// Timeout bounds a single attempt, body included.
	Timeout      time.Duration
	MaxBytes     int64
	Attempts     int
	AttemptDelay time.Duration
	Headers      map[string]string
	Filter       *HostFilter
}

type Downloader struct {
	client *http.Client
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

func NewDownloader(client *http.Client, logger *slog.Logger) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 0, // Use context timeout instead
		}
	}
	return &Downloader{client: client, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Download fetches rawURL into dest. A rejected host fails before any
// connection; a timeout or an oversize body stops further attempts.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string, opts DownloadOptions) (int64, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("invalid url: %w", err)
	}
	if !opts.Filter.Allowed(parsed.Hostname()) {
		return 0, fmt.Errorf("%w: %s", ErrHostFiltered, parsed.Hostname())
	}

	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		n, err := d.attempt(ctx, rawURL, dest, opts)
		if err == nil {
			return n, nil
		}
		lastErr = err
		d.logger.Error("download attempt failed", "url", rawURL, "attempt", attempt, "error", err)
		if errors.Is(err, ErrDownloadTimeout) || errors.Is(err, ErrDownloadTooLarge) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			d.sleep(ctx, opts.AttemptDelay)
		}
	}
	return 0, lastErr
}

func (d *Downloader) attempt(ctx context.Context, rawURL, dest string, opts DownloadOptions) (int64, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
		return 0, fmt.Errorf("%w: content-length %d", ErrDownloadTooLarge, resp.ContentLength)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	body := io.Reader(resp.Body)
	if opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}
	n, err := io.Copy(out, body)
	if err != nil {
		return 0, classifyTransportError(err)
	}
	if opts.MaxBytes > 0 && n > opts.MaxBytes {
		return 0, fmt.Errorf("%w: more than %d bytes", ErrDownloadTooLarge, opts.MaxBytes)
	}
	return n, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrDownloadTimeout, err)
	}
	return err
}
