package convert

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileconverter/config"
	"fileconverter/models"
)

// writeEngine installs a fake engine. It records one line per run in
// <dir>/runs, extracts m_sFileTo from the params file and runs body.
func writeEngine(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	runs := filepath.Join(dir, "runs")
	script := "#!/bin/sh\n" +
		"echo run >> " + runs + "\n" +
		`to=$(sed -n 's/.*<m_sFileTo>\(.*\)<\/m_sFileTo>.*/\1/p' "$1")` + "\n" +
		`fmt=$(sed -n 's/.*<m_nFormatTo>\([0-9]*\)<\/m_nFormatTo>.*/\1/p' "$1")` + "\n" +
		body + "\n"
	path := filepath.Join(dir, "x2t")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path, runs
}

func runCount(t *testing.T, runs string) int {
	t.Helper()
	data, err := os.ReadFile(runs)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "run\n")
}

func engineOverlay(engine string, extra map[string]any) *config.Overlay {
	conv := map[string]any{"x2tPath": engine}
	for k, v := range extra {
		conv[k] = v
	}
	return config.NewOverlay("acme", map[string]any{"converter": conv})
}

func TestExecute_Success(t *testing.T) {
	t.Parallel()

	engine, runs := writeEngine(t, `printf converted > "$to"; exit 0`)
	store := newMemStore()
	c := newTestConverter(t, store, nil, &fakeDownloader{content: "input"})
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", URL: "http://x/a.docx", Format: "docx",
		OutputFormat: models.FormatPDF, ToFile: "output.pdf", VisibilityTimeout: 60,
	}

	resp, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if runCount(t, runs) != 1 {
		t.Errorf("engine ran %d times", runCount(t, runs))
	}
	if resp.Outcome.Status != models.StatusNone || resp.Outcome.OutputPath != "output.pdf" {
		t.Errorf("outcome = %+v", resp.Outcome)
	}
	if resp.Title != "output.pdf" || resp.ID == "" {
		t.Errorf("response = %+v", resp)
	}
	if got, ok := store.get("acme", "data", "d1/output.pdf"); !ok || got != "converted" {
		t.Errorf("result not uploaded: %q %v", got, ok)
	}
}

func TestExecute_RollsBackToOOXMLOnce(t *testing.T) {
	t.Parallel()

	// fails for anything but the ooxml passthrough
	engine, runs := writeEngine(t, `if [ "$fmt" = "2055" ]; then printf ooxml > "$to"; exit 0; fi; exit 1`)
	store := newMemStore()
	store.put("acme", "data", "d1/Editor.bin", "DOCY;v10;")
	changes := &fakeChangeLog{records: []models.ChangeRecord{change(0, "A", `{"x":1}`)}}
	c := newTestConverter(t, store, changes, nil)
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", FromChanges: true,
		OutputFormat: models.FormatPDF, ToFile: "output.pdf", VisibilityTimeout: 60,
	}

	resp, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n := runCount(t, runs); n != 2 {
		t.Fatalf("engine ran %d times, want 2", n)
	}
	out := resp.Outcome
	if out.Status != models.StatusNone || out.OutputFormat != models.FormatOOXML || out.OutputPath != "output.ooxml" {
		t.Errorf("outcome = %+v", out)
	}
	if out.UserID != "A" || out.UserIndex == nil || *out.UserIndex != 12 {
		t.Errorf("author = %q %v", out.UserID, out.UserIndex)
	}
	if !resp.Task.FromChanges {
		t.Error("response task should keep fromChanges")
	}
	if _, ok := store.get("acme", "data", "d1/changesHistory.json"); !ok {
		t.Error("history not uploaded")
	}
}

func TestExecute_SecondFailureIsFinal(t *testing.T) {
	t.Parallel()

	engine, runs := writeEngine(t, `exit 1`)
	store := newMemStore()
	store.put("acme", "data", "d1/Editor.bin", "DOCY;v10;")
	c := newTestConverter(t, store, &fakeChangeLog{}, nil)
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", FromChanges: true,
		OutputFormat: models.FormatPDF, ToFile: "output.pdf", VisibilityTimeout: 60,
	}

	resp, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if n := runCount(t, runs); n != 2 {
		t.Errorf("engine ran %d times, want 2", n)
	}
	if resp.Outcome.Status != models.StatusGeneric {
		t.Errorf("status = %v", resp.Outcome.Status)
	}
}

func TestExecute_NoRollback(t *testing.T) {
	t.Parallel()

	wopiSize := int64(4)
	tests := []struct {
		name string
		task models.ConversionTask
	}{
		{"not a change replay", models.ConversionTask{URL: "http://x/a", Format: "docx", OutputFormat: models.FormatPDF}},
		{"ooxml target", models.ConversionTask{URL: "http://x/a", Format: "docx", FromChanges: true, OutputFormat: models.FormatXLSX}},
		{"editor target", models.ConversionTask{URL: "http://x/a", Format: "docx", FromChanges: true, OutputFormat: models.FormatCanvasWord}},
		{"wopi", models.ConversionTask{Format: "docx", FromChanges: true, OutputFormat: models.FormatPDF,
			Wopi: &models.WopiParams{FileURL: "http://wopi/f", AccessToken: "t", Size: &wopiSize}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, runs := writeEngine(t, `exit 1`)
			c := newTestConverter(t, newMemStore(), &fakeChangeLog{}, &fakeDownloader{content: "data"})
			task := tt.task
			task.Tenant, task.DocID, task.VisibilityTimeout = "acme", "d1", 60

			resp, err := c.Execute(context.Background(), &task, engineOverlay(engine, nil), time.Now())
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if n := runCount(t, runs); n != 1 {
				t.Errorf("engine ran %d times, want 1", n)
			}
			if resp.Outcome.Status != models.StatusGeneric {
				t.Errorf("status = %v", resp.Outcome.Status)
			}
		})
	}
}

func TestExecute_TimeoutUploadsDiagnostics(t *testing.T) {
	t.Parallel()

	engine, runs := writeEngine(t, `sleep 30`)
	store := newMemStore()
	store.put("acme", "data", "d1/Editor.bin", "DOCY;v10;")
	c := newTestConverter(t, store, &fakeChangeLog{}, nil)
	c.runner = &Runner{WaitDelay: time.Second}
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", FromChanges: true,
		OutputFormat: models.FormatPDF, ToFile: "output.pdf", VisibilityTimeout: 1,
	}
	cfg := engineOverlay(engine, map[string]any{"errorfiles": "errors"})

	resp, err := c.Execute(context.Background(), task, cfg, time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Outcome.Status != models.StatusTimeout {
		t.Errorf("status = %v", resp.Outcome.Status)
	}
	if n := runCount(t, runs); n != 1 {
		t.Errorf("a timeout must not roll back, engine ran %d times", n)
	}
	console, ok := store.get("acme", "errors", "bin/d1/console.txt")
	if !ok {
		t.Fatalf("console not uploaded; keys %v", store.keys("acme", "errors"))
	}
	if !strings.Contains(console, "ExitCode (code=-1;signal=killed;error:-83)") {
		t.Errorf("console = %q", console)
	}
	if _, ok := store.get("acme", "errors", "bin/d1/source/Editor.bin"); !ok {
		t.Error("source not part of the diagnostics bundle")
	}
	for _, k := range store.keys("acme", "errors") {
		if strings.HasPrefix(k, "bin/d1/result/") {
			t.Errorf("result dir must not be uploaded: %s", k)
		}
	}
	if keys := store.keys("acme", "data"); len(keys) != 1 {
		t.Errorf("failed results must not be uploaded: %v", keys)
	}
}

func TestExecute_AcquireFailureSkipsEngine(t *testing.T) {
	t.Parallel()

	engine, runs := writeEngine(t, `exit 0`)
	c := newTestConverter(t, newMemStore(), nil, &fakeDownloader{err: os.ErrDeadlineExceeded})
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", URL: "http://x/a", Format: "docx",
		OutputFormat: models.FormatPDF, Title: "a.pdf", VisibilityTimeout: 60,
	}

	resp, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if runCount(t, runs) != 0 {
		t.Error("engine must not run after a failed download")
	}
	if resp.Outcome.Status != models.StatusDownload || resp.Title != "a.pdf" {
		t.Errorf("response = %+v", resp)
	}
}

func TestExecute_RemovesWorkingArea(t *testing.T) {
	t.Parallel()

	engine, _ := writeEngine(t, `exit 0`)
	c := newTestConverter(t, newMemStore(), nil, &fakeDownloader{content: "x"})
	task := &models.ConversionTask{Tenant: "acme", DocID: "d1", URL: "http://x/a", Format: "docx", VisibilityTimeout: 60}

	if _, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now()); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(c.tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("working area left behind: %v", entries)
	}
}

func TestSpawnEnv(t *testing.T) {
	j := newTestJob(t, &models.ConversionTask{DocID: "d1"}, map[string]any{
		"converter": map[string]any{"spawnEnv": map[string]any{"B": "2", "A": "1"}},
	})
	j.lastModifiedBy, j.modified = "User", "2026-01-01T00:00:00Z"
	got := strings.Join(spawnEnv(j), " ")
	if got != "A=1 B=2 LAST_MODIFIED_BY=User MODIFIED=2026-01-01T00:00:00Z" {
		t.Errorf("spawnEnv = %s", got)
	}
}

func TestExecute_RejectsOutputNameOutsideResult(t *testing.T) {
	t.Parallel()

	engine, runs := writeEngine(t, `exit 90`)
	store := newMemStore()
	c := newTestConverter(t, store, nil, &fakeDownloader{content: "ORIGINAL"})
	task := &models.ConversionTask{
		Tenant: "acme", DocID: "d1", URL: "http://x/a.docx", Format: "docx",
		OutputFormat: models.FormatPDF, ToFile: "../../escape.pdf", VisibilityTimeout: 60,
	}

	resp, err := c.Execute(context.Background(), task, engineOverlay(engine, nil), time.Now())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Outcome.Status != models.StatusParams || resp.Outcome.OutputPath != "" {
		t.Errorf("outcome = %+v", resp.Outcome)
	}
	if n := runCount(t, runs); n != 0 {
		t.Errorf("engine ran %d times", n)
	}
	// ../../ from the result dir lands in the temp dir itself
	if entries, _ := os.ReadDir(c.tempDir); len(entries) != 0 {
		t.Errorf("files left beside the working area: %v", entries)
	}
	if keys := store.keys("acme", "data"); len(keys) != 0 {
		t.Errorf("unexpected uploads %v", keys)
	}
}
