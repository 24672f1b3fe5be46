package convert

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fileconverter/models"
)

const (
	changesDirName  = "changes"
	historyFileName = "changesHistory.json"
	encryptedMarker = "ENCRYPTED;"
)

// ChangeLogStore returns the records of one document with start <= index <
// end, ordered by index. A non-nil cutoff drops records dated after it.
type ChangeLogStore interface {
	GetChanges(ctx context.Context, tenant, docID string, start, end int, cutoff *time.Time) ([]models.ChangeRecord, error)
}

// ReplayResult carries what a replay learned about the edit's authorship.
type ReplayResult struct {
	UserID         string
	UserIndex      *int
	LastModifiedBy string
	Modified       string
	// Warning is StatusEditorChanges when the log holds encrypted changes.
	Warning  models.StatusCode
	Segments int
}

// Reconstructor replays a document's change log into per-author segment
// files under <source>/changes and writes the edit history to the result
// directory.
type Reconstructor struct {
	Store         ChangeLogStore
	PageSize      int
	Binary        bool
	BufferSize    int
	ServerVersion string
	Logger        *slog.Logger
}

type segmentWriter struct {
	dir     string
	binary  bool
	header  []byte
	bufSize int

	index   int
	path    string
	file    *os.File
	w       *bufio.Writer
	records int
	created []string
}

func (s *segmentWriter) open() error {
	ext := ".json"
	if s.binary {
		ext = ".bin"
	}
	s.path = filepath.Join(s.dir, changesDirName+strconv.Itoa(s.index)+ext)
	s.index++
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	s.file = f
	s.w = bufio.NewWriterSize(f, s.bufSize)
	s.records = 0
	s.created = append(s.created, s.path)
	if s.binary {
		_, err = s.w.Write(s.header)
	}
	return err
}

// record appends one payload; first marks the first record of an author block.
func (s *segmentWriter) record(data []byte, first bool) error {
	if !s.binary {
		sep := byte(',')
		if first {
			sep = '['
		}
		if err := s.w.WriteByte(sep); err != nil {
			return err
		}
	}
	s.records++
	_, err := s.w.Write(data)
	return err
}

func (s *segmentWriter) close() error {
	if !s.binary {
		if err := s.w.WriteByte(']'); err != nil {
			s.file.Close()
			return err
		}
	}
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

func formatHistoryDate(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05")
}

func formatModified(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// userIndex extracts the numeric suffix a session id carries after the
// author's original id. It defaults to 1.
func userIndex(userID, userIDOriginal string) int {
	suffix := userID
	if len(userID) >= len(userIDOriginal) {
		suffix = userID[len(userIDOriginal):]
	}
	end := 0
	for end < len(suffix) && suffix[end] >= '0' && suffix[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(suffix[:end])
	if err != nil {
		return 1
	}
	return n
}

// Replay reads the change log page by page, strictly in index order, and
// writes one segment per run of records from the same author.
func (r *Reconstructor) Replay(ctx context.Context, task *models.ConversionTask, sourceDir, resultDir, documentSha256 string) (*ReplayResult, error) {
	changesDir := filepath.Join(sourceDir, changesDirName)
	if err := os.MkdirAll(changesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create changes dir: %w", err)
	}

	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = 20000
	}
	bufSize := r.BufferSize
	if bufSize <= 0 {
		bufSize = 8 * 1024 * 1024
	}

	cutoffIndex := math.MaxInt
	var cutoffTime *time.Time
	if task.ForceSave.HasCutoff() {
		cutoffIndex = *task.ForceSave.Index
		cutoffTime = task.ForceSave.Time
	}

	var pending []models.ChangeRecord
	if ext := task.ExternalChange; ext != nil {
		pending = []models.ChangeRecord{{
			Tenant:         task.Tenant,
			DocID:          task.DocID,
			UserID:         ext.UserID,
			UserIDOriginal: ext.UserIDOriginal,
			UserName:       ext.UserName,
			Data:           []byte{},
			ChangeDate:     ext.ChangeDate,
		}}
	}

	seg := &segmentWriter{
		dir:     changesDir,
		binary:  r.Binary,
		header:  []byte("CHANGES\t" + r.ServerVersion + "\n"),
		bufSize: bufSize,
	}
	if err := seg.open(); err != nil {
		return nil, err
	}

	res := &ReplayResult{Warning: models.StatusNone}
	history := models.ChangesHistory{ServerVersion: r.ServerVersion, Changes: []models.HistoryEntry{}}
	var author, authorUnique string
	haveAuthor := false

	start := 0
	end := min(start+pageSize, cutoffIndex)
	firstPage := true
	for start < end || pending != nil {
		var records []models.ChangeRecord
		if start < end {
			var err error
			records, err = r.Store.GetChanges(ctx, task.Tenant, task.DocID, start, end, cutoffTime)
			if err != nil {
				seg.close()
				return nil, fmt.Errorf("failed to read changes [%d,%d): %w", start, end, err)
			}
			if firstPage && len(records) > 0 && bytes.HasPrefix(records[0].Data, []byte(encryptedMarker)) {
				r.Logger.Warn("change log holds encrypted changes")
				res.Warning = models.StatusEditorChanges
			}
		}
		firstPage = false
		if len(records) == 0 && pending != nil {
			records = pending
		}
		pending = nil

		for _, rec := range records {
			first := !haveAuthor || author != rec.UserIDOriginal
			if first {
				if haveAuthor {
					if err := seg.close(); err != nil {
						return nil, fmt.Errorf("failed to close segment: %w", err)
					}
					if err := seg.open(); err != nil {
						return nil, err
					}
				}
				history.Changes = append(history.Changes, models.HistoryEntry{
					DocumentSha256: documentSha256,
					Created:        formatHistoryDate(rec.ChangeDate),
					User:           models.HistoryUser{ID: rec.UserIDOriginal, Name: rec.UserName},
				})
			}
			author, authorUnique, haveAuthor = rec.UserIDOriginal, rec.UserID, true
			if err := seg.record(rec.Data, first); err != nil {
				seg.close()
				return nil, fmt.Errorf("failed to write change: %w", err)
			}
		}
		if n := len(records); n > 0 {
			res.LastModifiedBy = records[n-1].UserName
			res.Modified = formatModified(records[n-1].ChangeDate)
		}

		if len(records) == end-start {
			start += pageSize
			end = min(start+pageSize, cutoffIndex)
		} else {
			break
		}
	}

	if err := seg.close(); err != nil {
		return nil, fmt.Errorf("failed to close segment: %w", err)
	}
	res.Segments = len(seg.created)
	if seg.records == 0 {
		if err := os.Remove(seg.path); err != nil {
			return nil, fmt.Errorf("failed to remove empty segment: %w", err)
		}
		res.Segments--
	}

	if haveAuthor {
		idx := userIndex(authorUnique, author)
		res.UserID, res.UserIndex = author, &idx
	} else if fs := task.ForceSave; fs != nil && fs.AuthorUserID != "" && fs.AuthorUserIndex != nil {
		idx := *fs.AuthorUserIndex
		res.UserID, res.UserIndex = fs.AuthorUserID, &idx
	}

	data, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(resultDir, historyFileName), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write history: %w", err)
	}
	r.Logger.Debug("change replay finished", "segments", res.Segments, "author", res.UserID)
	return res, nil
}
