package convert

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fileconverter/models"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// maxOpenFiles bounds concurrent uploads of one directory.
const maxOpenFiles = 200

// publish classifies the run, uploads the result or a diagnostics bundle and
// builds the response. status is the acquisition status; run is nil when the
// engine was never started.
func (c *Converter) publish(ctx context.Context, j *job, run *RunResult, status models.StatusCode) (*models.ConversionResponse, error) {
	if run != nil {
		status = models.ClassifyExit(run.ExitCode, run.Killed(), run.TimedOut)
		attrs := []any{"exitCode", run.ExitCode, "signal", run.Signal, "status", status.String()}
		if run.Err != nil {
			attrs = append(attrs, "error", run.Err)
		}
		if status != models.StatusNone && !status.IsMinor() {
			j.logger.Error("engine failed", append(attrs, "stdout", run.Stdout, "stderr", run.Stderr)...)
			if err := c.uploadDiagnostics(ctx, j, run, status); err != nil {
				j.logger.Error("failed to upload diagnostics", "error", err)
			}
		} else {
			j.logger.Debug("engine finished", append(attrs, "stdout", run.Stdout, "stderr", run.Stderr)...)
		}
	}

	if status.ShouldUpload() {
		if status.ShouldCopyOrigin() && j.fileTo != "" && !isFile(j.fileTo) {
			origin := filepath.Join(filepath.Dir(j.fileTo), "origin"+filepath.Ext(j.fileFrom))
			if err := copyFile(j.fileFrom, origin); err != nil {
				return nil, fmt.Errorf("failed to copy origin: %w", err)
			}
			j.logger.Debug("copied origin", "path", origin)
		}
		checksum := !j.task.OutputFormat.IsCanvas()
		if err := c.uploadDir(ctx, j, c.cacheFolder(j), j.area.Result, j.key, checksum, ""); err != nil {
			return nil, fmt.Errorf("failed to upload result: %w", err)
		}
		j.logger.Debug("result uploaded")
	}

	if j.fileTo != "" && !isFile(j.fileTo) {
		j.fileTo = findByBasename(j.fileTo)
	}

	task := *j.task
	task.FromChanges = j.fromChanges
	outputPath := ""
	if j.fileTo != "" {
		outputPath = filepath.Base(j.fileTo)
	}
	title := task.Title
	if title == "" {
		title = outputPath
	}
	return &models.ConversionResponse{
		ID:    uuid.NewString(),
		Task:  task,
		Title: title,
		Outcome: models.ConversionOutcome{
			Status:         status,
			Warning:        j.warning,
			OutputPath:     outputPath,
			OutputFormat:   j.formatTo,
			UserID:         j.userID,
			UserIndex:      j.userIndex,
			LastModifiedBy: j.lastModifiedBy,
			Modified:       j.modified,
		},
		CompletedAt: c.now().UTC(),
	}, nil
}

func isFile(p string) bool {
	info, err := os.Lstat(p)
	return err == nil && info.Mode().IsRegular()
}

// findByBasename returns the first file next to p whose name starts with p's
// name without extension. The engine renames some passthrough outputs.
func findByBasename(p string) string {
	dir := filepath.Dir(p)
	base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return p
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.HasPrefix(name, base) {
			return filepath.Join(dir, name)
		}
	}
	return p
}

// uploadDir uploads every file below dir to <prefix>/<relative path>. Files
// under ignore are skipped.
func (c *Converter) uploadDir(ctx context.Context, j *job, folder, dir, prefix string, checksum bool, ignore string) error {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ignore != "" && (p == ignore || strings.HasPrefix(p, ignore+string(filepath.Separator))) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxOpenFiles)
	for _, file := range files {
		file := file
		rel, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}
		key := prefix + "/" + filepath.ToSlash(rel)
		g.Go(func() error {
			if checksum {
				if sum, err := checksumFile(file); err == nil {
					j.logger.Debug("uploading", "key", key, "sha256", sum)
				}
			}
			return c.store.UploadObject(gctx, j.task.Tenant, folder, key, file)
		})
	}
	return g.Wait()
}

// uploadDiagnostics writes the engine console next to the working files and
// uploads the working area, minus the result dir, when an error folder is
// configured.
func (c *Converter) uploadDiagnostics(ctx context.Context, j *job, run *RunResult, status models.StatusCode) error {
	folder := j.cfg.String("converter.errorfiles", "")
	if folder == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "stdout:%s\n", run.Stdout)
	fmt.Fprintf(&b, "stderr:%s\n", run.Stderr)
	signal := run.Signal
	if signal == "" {
		signal = "null"
	}
	fmt.Fprintf(&b, "ExitCode (code=%d;signal=%s;error:%d)", run.ExitCode, signal, int(status))

	console := filepath.Join(j.area.Root, "console.txt")
	data := []byte(b.String())
	if j.cfg.Bool("converter.compressErrorFiles", false) {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return err
		}
		data = enc.EncodeAll(data, nil)
		enc.Close()
		console += ".zst"
	}
	if err := os.WriteFile(console, data, 0644); err != nil {
		return fmt.Errorf("failed to write console: %w", err)
	}

	format := strings.TrimPrefix(filepath.Ext(j.fileFrom), ".")
	if format == "" {
		format = "unknown"
	}
	if err := c.uploadDir(ctx, j, folder, j.area.Root, format+"/"+j.key, false, j.area.Result); err != nil {
		return err
	}
	j.logger.Debug("diagnostics uploaded", "folder", folder)
	return nil
}
