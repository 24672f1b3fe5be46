package convert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"fileconverter/models"
	"fileconverter/services"
)

// originCandidates is probed in order when the expected source is missing.
var originCandidates = []string{"origin.docx", "origin.xlsx", "origin.pptx", "origin.pdf"}

// acquire stages the task's input into the working area. Expected failures
// come back as a status; the error is reserved for unexpected ones.
func (c *Converter) acquire(ctx context.Context, j *job) (models.StatusCode, error) {
	t := j.task
	if j.toFileErr != nil {
		j.logger.Error("invalid output file name", "toFile", t.ToFile, "error", j.toFileErr)
		return models.StatusParams, nil
	}
	j.logger.Debug("acquiring input", "source", t.Source().String())

	var status models.StatusCode
	var err error
	switch t.Source() {
	case models.SourceURL:
		status, err = c.acquireURL(ctx, j)
	case models.SourceStorage:
		if _, err = c.downloadDir(ctx, j, c.cacheFolder(j), t.DocID, j.area.Source); err != nil {
			return models.StatusNone, err
		}
		status, err = c.acquireStorage(ctx, j)
	case models.SourceForgotten:
		status, err = c.acquireForgotten(ctx, j)
	case models.SourceBuilder:
		status, err = c.acquireBuilder(ctx, j)
	default:
		status = models.StatusUnknown
	}
	if err != nil || status != models.StatusNone {
		return status, err
	}

	c.upgradeToExtendedPDF(j)

	if j.fromChanges && !(t.FromOrigin || t.FromSettings) {
		sum, err := checksumFile(j.fileFrom)
		if err != nil {
			return models.StatusNone, fmt.Errorf("failed to checksum source: %w", err)
		}
		replay, err := c.reconstructor(j).Replay(ctx, t, j.area.Source, j.area.Result, sum)
		if err != nil {
			return models.StatusNone, err
		}
		j.userID = replay.UserID
		j.userIndex = replay.UserIndex
		j.lastModifiedBy = replay.LastModifiedBy
		j.modified = replay.Modified
		j.warning = replay.Warning
	}
	return models.StatusNone, nil
}

func (c *Converter) cacheFolder(j *job) string {
	return j.cfg.String("storage.cacheFolderName", "data")
}

func (c *Converter) acquireURL(ctx context.Context, j *job) (models.StatusCode, error) {
	t := j.task
	j.fileFrom = filepath.Join(j.area.Source, j.key+"."+t.Format)
	if err := checkInside(j.area.Source, j.fileFrom); err != nil {
		j.logger.Error("rejected source path", "error", err)
		return models.StatusParams, nil
	}

	rawURL := t.URL
	withAuthorization := t.WithAuthorization
	var headers map[string]string
	var size *int64
	if w := t.Wopi; w != nil {
		withAuthorization = false
		j.inJWT = true
		size = w.Size
		var err error
		rawURL, headers, err = wopiFileURL(w)
		if err != nil {
			j.logger.Error("invalid wopi location", "error", err)
			return models.StatusDownload, nil
		}
	}

	if size == nil || *size > 0 {
		if status := c.download(ctx, j, rawURL, withAuthorization, headers); status != models.StatusNone {
			return status, nil
		}
	}
	templates := j.cfg.String("server.newFileTemplate", "document-templates/new")
	if err := replaceEmptyFile(j.logger, templates, j.fileFrom, t.Format, t.LCID); err != nil {
		return models.StatusNone, fmt.Errorf("failed to substitute template: %w", err)
	}
	return models.StatusNone, nil
}

// wopiFileURL resolves the contents endpoint of a WOPI-hosted file and the
// headers needed to read it.
func wopiFileURL(w *models.WopiParams) (string, map[string]string, error) {
	headers := make(map[string]string, len(w.Headers)+1)
	for k, v := range w.Headers {
		headers[k] = v
	}
	headers["Authorization"] = "Bearer " + w.AccessToken

	if w.FileURL != "" {
		return w.FileURL, headers, nil
	}
	u, err := url.Parse(w.WopiSrc)
	if err != nil || w.WopiSrc == "" {
		return "", nil, fmt.Errorf("bad wopiSrc %q", w.WopiSrc)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/contents"
	return u.String(), headers, nil
}

func (c *Converter) download(ctx context.Context, j *job, rawURL string, withAuthorization bool, headers map[string]string) models.StatusCode {
	cfg := j.cfg
	opts := services.DownloadOptions{
		Timeout:      cfg.Duration("converter.downloadTimeout.wholeCycle", defaultDownloadTimeout),
		MaxBytes:     cfg.Size("converter.maxDownloadBytes", 100<<20),
		Attempts:     cfg.Int("converter.downloadAttemptMaxCount", 3),
		AttemptDelay: cfg.Duration("converter.downloadAttemptDelay", defaultAttemptDelay),
		Headers:      map[string]string{},
	}
	for k, v := range headers {
		opts.Headers[k] = v
	}
	if cfg.Bool("ipfilter.useforrequest", false) {
		var rules []services.HostRule
		if err := cfg.Decode("ipfilter.rules", &rules); err != nil {
			j.logger.Error("invalid host filter rules", "error", err)
			return models.StatusDownload
		}
		filter, err := services.NewHostFilter(rules)
		if err != nil {
			j.logger.Error("invalid host filter rules", "error", err)
			return models.StatusDownload
		}
		opts.Filter = filter
	}
	if withAuthorization && c.outbox != nil && c.outbox.CanSign(rawURL) {
		name, value, err := c.outbox.Header(rawURL)
		if err != nil {
			j.logger.Error("failed to sign download", "error", err)
			return models.StatusDownload
		}
		opts.Headers[name] = value
	}

	n, err := c.downloader.Download(ctx, rawURL, j.fileFrom, opts)
	switch {
	case err == nil:
		j.logger.Debug("download complete", "size", n)
		return models.StatusNone
	case errors.Is(err, services.ErrDownloadTooLarge):
		j.logger.Error("download rejected", "url", rawURL, "error", err)
		return models.StatusLimits
	default:
		j.logger.Error("download failed", "url", rawURL, "error", err)
		return models.StatusDownload
	}
}

// downloadDir copies every stored object below prefix into dir, keeping the
// relative layout. It returns the number of files written.
func (c *Converter) downloadDir(ctx context.Context, j *job, folder, prefix, dir string) (int, error) {
	keys, err := c.store.ListObjects(ctx, j.task.Tenant, folder, prefix+"/")
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix+"/")
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		local := filepath.Join(dir, filepath.FromSlash(path.Clean(rel)))
		if err := checkInside(dir, local); err != nil {
			return 0, err
		}
		if err := c.store.DownloadObject(ctx, j.task.Tenant, folder, key, local); err != nil {
			return 0, err
		}
	}
	j.logger.Debug("downloaded from storage", "prefix", prefix, "count", len(keys))
	return len(keys), nil
}

func (c *Converter) acquireStorage(ctx context.Context, j *job) (models.StatusCode, error) {
	t := j.task
	folder := c.cacheFolder(j)
	var concatDir, concatTemplate string

	if t.FromOrigin || t.FromSettings {
		if j.fromChanges {
			changesDir := filepath.Join(j.area.Source, changesDirName)
			if err := os.MkdirAll(changesDir, 0755); err != nil {
				return models.StatusNone, err
			}
			count := 0
			if t.SaveKey != "" {
				var err error
				if count, err = c.downloadDir(ctx, j, folder, t.Key(), changesDir); err != nil {
					return models.StatusNone, err
				}
			}
			if count > 0 {
				concatDir, concatTemplate = changesDir, changesDirName+"0"
			} else {
				j.fromChanges = false
			}
		}
		j.fileFrom = filepath.Join(j.area.Source, "origin."+t.Format)
	} else {
		// the edit session may overwrite Editor.bin or add change parts
		if t.SaveKey != "" {
			if _, err := c.downloadDir(ctx, j, folder, t.Key(), j.area.Source); err != nil {
				return models.StatusNone, err
			}
		}
		format := t.Format
		if format == "" {
			format = "bin"
		}
		j.fileFrom = filepath.Join(j.area.Source, "Editor."+format)
		concatDir = j.area.Source
	}
	if err := checkInside(j.area.Source, j.fileFrom); err != nil {
		j.logger.Error("rejected source path", "error", err)
		return models.StatusParams, nil
	}

	if m := t.MailMerge; m != nil {
		if _, err := c.downloadDir(ctx, j, folder, t.DocID+m.JSONKey, j.area.Source); err != nil {
			return models.StatusNone, err
		}
		concatDir = j.area.Source
	}

	if concatDir != "" {
		if err := concatFiles(concatDir, concatTemplate); err != nil {
			return models.StatusNone, fmt.Errorf("failed to join parts: %w", err)
		}
		if concatTemplate != "" {
			if err := removeParts(concatDir, concatTemplate); err != nil {
				return models.StatusNone, err
			}
		}
	}

	if _, err := os.Stat(j.fileFrom); err != nil {
		if err := probeOrigin(j); err != nil {
			return models.StatusNone, err
		}
	}
	return models.StatusNone, nil
}

// probeOrigin adopts the first typed origin file when the expected source
// name is missing, renaming it to Editor.bin.
func probeOrigin(j *job) error {
	for _, name := range originCandidates {
		candidate := filepath.Join(j.area.Source, name)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		renamed := filepath.Join(j.area.Source, "Editor.bin")
		if err := os.Rename(candidate, renamed); err != nil {
			return fmt.Errorf("failed to rename %s: %w", name, err)
		}
		j.logger.Debug("using typed origin", "file", name)
		j.fileFrom = renamed
		return nil
	}
	return nil
}

func partPattern(template string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(template) + `\d+\.`)
}

// concatFiles joins <template>N.ext parts into <template>.ext. Parts are
// appended in ascending numeric order: shorter names first, then
// lexicographic.
func concatFiles(dir, template string) error {
	if template == "" {
		template = "Editor"
	}
	pattern := partPattern(template)
	suffix := regexp.MustCompile(`^(` + regexp.QuoteMeta(template) + `)\d+(\..*)$`)

	var parts []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && pattern.MatchString(d.Name()) {
			parts = append(parts, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(parts, func(a, b int) bool {
		if len(parts[a]) != len(parts[b]) {
			return len(parts[a]) < len(parts[b])
		}
		return parts[a] < parts[b]
	})

	targets := map[string]*os.File{}
	defer func() {
		for _, f := range targets {
			f.Close()
		}
	}()
	for _, part := range parts {
		target := filepath.Join(filepath.Dir(part), suffix.ReplaceAllString(filepath.Base(part), "$1$2"))
		out, ok := targets[target]
		if !ok {
			out, err = os.Create(target)
			if err != nil {
				return err
			}
			targets[target] = out
		}
		if err := appendFile(out, part); err != nil {
			return err
		}
	}
	for target, f := range targets {
		delete(targets, target)
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(out *os.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(out, in)
	return err
}

func removeParts(dir, template string) error {
	pattern := partPattern(template)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() && pattern.MatchString(e.Name()) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// firstFile returns the first regular file below dir in lexical walk order.
// Stored keys may carry sub-prefixes, so nested directories are searched.
func firstFile(dir string) (string, bool) {
	var found string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil || found == "" {
		return "", false
	}
	return found, true
}

func (c *Converter) acquireForgotten(ctx context.Context, j *job) (models.StatusCode, error) {
	folder := j.cfg.String("server.forgottenfiles", "forgotten")
	if _, err := c.downloadDir(ctx, j, folder, j.task.Forgotten, j.area.Source); err != nil {
		return models.StatusNone, err
	}
	file, ok := firstFile(j.area.Source)
	if !ok {
		return models.StatusUnknown, nil
	}
	j.fileFrom = file

	name := j.cfg.String("server.forgottenfilesname", "forgotten")
	marker := filepath.Join(j.area.Result, name+".txt")
	if err := os.WriteFile(marker, []byte(name), 0644); err != nil {
		return models.StatusNone, fmt.Errorf("failed to write forgotten marker: %w", err)
	}
	return models.StatusNone, nil
}

// acquireBuilder stages a builder script stored under the document id.
func (c *Converter) acquireBuilder(ctx context.Context, j *job) (models.StatusCode, error) {
	if _, err := c.downloadDir(ctx, j, c.cacheFolder(j), j.task.DocID, j.area.Source); err != nil {
		return models.StatusNone, err
	}
	if file, ok := firstFile(j.area.Source); ok {
		j.fileFrom = file
	}
	return models.StatusNone, nil
}

// upgradeToExtendedPDF switches a PDF target to the forms-aware PDF when the
// staged bytes of a forms-capable origin are actually a canvas document.
func (c *Converter) upgradeToExtendedPDF(j *job) {
	origin := j.task.OriginFormat
	if origin == models.FormatUnknown {
		origin = models.FormatFromExtension(j.task.Format)
	}
	withForms := origin == models.FormatPDF || origin == models.FormatOFORM || origin == models.FormatDOCXF
	toPDF := j.formatTo == models.FormatPDF || j.formatTo == models.FormatPDFA
	if !withForms || !toPDF || j.fileFrom == "" {
		return
	}
	detected, err := models.DetectFormat(j.fileFrom)
	if err != nil {
		j.logger.Debug("format detection failed", "error", err)
		return
	}
	if detected == models.FormatCanvasWord {
		j.logger.Debug("changing output format to extended pdf")
		j.formatTo = models.FormatOFORMPDF
	}
}

func checksumFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
