// Package convert runs one conversion task: it stages the input, replays
// change logs, drives the engine and publishes the outcome.
package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/services"
)

const (
	defaultDownloadTimeout = 2 * time.Minute
	defaultAttemptDelay    = time.Second
)

// ContentStore is the object storage the worker reads documents from and
// writes results to.
type ContentStore interface {
	ListObjects(ctx context.Context, tenant, folder, prefix string) ([]string, error)
	DownloadObject(ctx context.Context, tenant, folder, key, localPath string) error
	UploadObject(ctx context.Context, tenant, folder, key, localPath string) error
}

type Downloader interface {
	Download(ctx context.Context, rawURL, dest string, opts services.DownloadOptions) (int64, error)
}

type PasswordDecrypter interface {
	Decrypt(encoded string) (string, error)
}

type URLSigner interface {
	CanSign(rawURL string) bool
	Header(rawURL string) (string, string, error)
}

type Deps struct {
	Store      ContentStore
	Changes    ChangeLogStore
	Downloader Downloader
	Cipher     PasswordDecrypter
	// Outbox may be nil when no outbox secret is configured.
	Outbox        URLSigner
	Limits        *LimitsCache
	Runner        *Runner
	Logger        *slog.Logger
	TempDir       string
	ServerVersion string
}

type Converter struct {
	store         ContentStore
	changes       ChangeLogStore
	downloader    Downloader
	cipher        PasswordDecrypter
	outbox        URLSigner
	limits        *LimitsCache
	runner        *Runner
	logger        *slog.Logger
	tempDir       string
	serverVersion string
	now           func() time.Time
}

func NewConverter(d Deps) *Converter {
	c := &Converter{
		store:         d.Store,
		changes:       d.Changes,
		downloader:    d.Downloader,
		cipher:        d.Cipher,
		outbox:        d.Outbox,
		limits:        d.Limits,
		runner:        d.Runner,
		logger:        d.Logger,
		tempDir:       d.TempDir,
		serverVersion: d.ServerVersion,
		now:           time.Now,
	}
	if c.limits == nil {
		c.limits = NewLimitsCache()
	}
	if c.runner == nil {
		c.runner = &Runner{}
	}
	return c
}

// job is the mutable state of one task. The task itself is not modified.
type job struct {
	task       *models.ConversionTask
	cfg        *config.Overlay
	logger     *slog.Logger
	area       *WorkingArea
	receivedAt time.Time

	key         string
	fileFrom    string
	fileTo      string
	formatTo    models.Format
	isPDFA      bool
	fromChanges bool
	inJWT       bool
	// toFileErr rejects the task before anything is staged.
	toFileErr error

	userID         string
	userIndex      *int
	lastModifiedBy string
	modified       string
	warning        models.StatusCode
}

func newJob(task *models.ConversionTask, cfg *config.Overlay, area *WorkingArea, logger *slog.Logger, receivedAt time.Time) *job {
	j := &job{
		task:        task,
		cfg:         cfg,
		logger:      logger,
		area:        area,
		receivedAt:  receivedAt,
		key:         task.Key(),
		formatTo:    task.OutputFormat,
		fromChanges: task.FromChanges,
		inJWT:       task.WithAuthorization,
	}
	// the engine has no PDF/A target; it gets PDF plus a flag
	if task.OutputFormat == models.FormatPDFA {
		j.formatTo = models.FormatPDF
		j.isPDFA = true
	}
	if task.ToFile != "" {
		j.fileTo, j.toFileErr = area.resultPath(task.ToFile)
	}
	return j
}

// Abort kills every engine process still running and returns how many
// process groups were signalled.
func (c *Converter) Abort() int {
	return c.runner.KillAll()
}

func (c *Converter) reconstructor(j *job) *Reconstructor {
	return &Reconstructor{
		Store:         c.changes,
		PageSize:      j.cfg.Int("server.maxRequestChanges", 20000),
		Binary:        j.cfg.Bool("editor.binaryChanges", false),
		BufferSize:    int(j.cfg.Size("converter.streamWriterBufferSize", 8<<20)),
		ServerVersion: c.serverVersion,
		Logger:        j.logger,
	}
}

// Execute runs task to completion and returns the response to publish. An
// error means the task failed in a way the taxonomy does not cover.
func (c *Converter) Execute(ctx context.Context, task *models.ConversionTask, cfg *config.Overlay, receivedAt time.Time) (*models.ConversionResponse, error) {
	logger := c.logger.With("tenant", task.Tenant, "docId", task.DocID)
	area, err := NewWorkingArea(c.tempDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := area.Remove(); err != nil {
			logger.Error("failed to remove working area", "path", area.Root, "error", err)
		}
	}()

	j := newJob(task, cfg, area, logger, receivedAt)
	logger.Info("start task", "source", task.Source().String(), "formatTo", j.formatTo)

	status, err := c.acquire(ctx, j)
	if err != nil {
		return nil, fmt.Errorf("acquire input: %w", err)
	}

	var run *RunResult
	if status == models.StatusNone {
		if run, err = c.spawn(ctx, j); err != nil {
			return nil, err
		}
		if c.canRollback(j, run) {
			logger.Warn("rolling back to ooxml", "formatTo", j.formatTo)
			j.formatTo = models.FormatOOXML
			if j.fileTo != "" {
				j.fileTo = strings.TrimSuffix(j.fileTo, filepath.Ext(j.fileTo)) + "." + models.FormatOOXML.Extension()
			}
			if run, err = c.spawn(ctx, j); err != nil {
				return nil, err
			}
		}
	}

	resp, err := c.publish(ctx, j, run, status)
	if err != nil {
		return nil, err
	}
	logger.Info("end task", "status", resp.Outcome.Status.String())
	return resp, nil
}

// canRollback reports whether a failed change replay may be retried as
// OOXML. Timeouts, OOXML and editor targets, and WOPI tasks never roll back.
func (c *Converter) canRollback(j *job, run *RunResult) bool {
	return run != nil &&
		run.ExitCode != 0 &&
		!run.TimedOut &&
		j.fromChanges &&
		j.formatTo != models.FormatOOXML &&
		!j.formatTo.IsOOXML() &&
		!j.formatTo.IsBrowserEditor() &&
		j.task.Wopi == nil
}

// spawn builds the engine arguments for either the converter or the
// document builder and runs it within the task's remaining visibility time.
func (c *Converter) spawn(ctx context.Context, j *job) (*RunResult, error) {
	args := strings.Fields(j.cfg.String("converter.args", ""))
	var bin string
	if b := j.task.Builder; b == nil {
		bin = j.cfg.String("converter.x2tPath", "x2t")
		paramsFile := filepath.Join(j.area.Root, "params.xml")
		if err := os.WriteFile(paramsFile, []byte(c.paramsXML(j)), 0644); err != nil {
			return nil, fmt.Errorf("failed to write params: %w", err)
		}
		args = append(args, paramsFile)
		secrets, err := c.secretsXML(j)
		if err != nil {
			return nil, err
		}
		if secrets != "" {
			args = append(args, secrets)
		}
	} else {
		output := filepath.Join(j.area.Result, "output")
		if err := os.MkdirAll(output, 0755); err != nil {
			return nil, fmt.Errorf("failed to create builder output: %w", err)
		}
		bin = j.cfg.String("converter.docbuilderPath", "docbuilder")
		args = append(args, "--check-fonts=0", "--save-use-only-names="+output)
		if len(b.Argument) > 0 {
			arg, err := json.Marshal(b.Argument)
			if err != nil {
				return nil, fmt.Errorf("invalid builder argument: %w", err)
			}
			args = append(args, "--argument="+string(arg))
		}
		args = append(args, "--options="+optionsXML(j.cfg, j.inJWT, nil), j.fileFrom)
	}

	env := spawnEnv(j)
	deadline := time.Duration(j.task.VisibilityTimeout)*time.Second - c.now().Sub(j.receivedAt)
	j.logger.Debug("starting engine", "path", bin, "deadline", deadline)
	return c.runner.Run(ctx, bin, args, env, deadline), nil
}

func spawnEnv(j *job) []string {
	vars := map[string]string{}
	_ = j.cfg.Decode("converter.spawnEnv", &vars)
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	env := make([]string, 0, len(names)+2)
	for _, name := range names {
		env = append(env, name+"="+vars[name])
	}
	if j.lastModifiedBy != "" && j.modified != "" {
		env = append(env, "LAST_MODIFIED_BY="+j.lastModifiedBy, "MODIFIED="+j.modified)
	}
	return env
}
