package models

import (
	"encoding/json"
	"time"
)

// ConversionTask is one unit of work decoded from the task queue. It is not
// modified after decoding; per-task mutable state lives in the pipeline.
type ConversionTask struct {
	Tenant            string          `json:"tenant"`
	DocID             string          `json:"docId"`
	UserID            string          `json:"userId,omitempty"`
	Command           string          `json:"command,omitempty"`
	SaveKey           string          `json:"saveKey,omitempty"`
	Format            string          `json:"format,omitempty"`
	OriginFormat      Format          `json:"originFormat,omitempty"`
	OutputFormat      Format          `json:"outputFormat"`
	ToFile            string          `json:"toFile,omitempty"`
	Title             string          `json:"title,omitempty"`
	URL               string          `json:"url,omitempty"`
	WithAuthorization bool            `json:"withAuthorization,omitempty"`
	LCID              int             `json:"lcid,omitempty"`
	Codepage          *int            `json:"codepage,omitempty"`
	Delimiter         *int            `json:"delimiter,omitempty"`
	DelimiterChar     string          `json:"delimiterChar,omitempty"`
	Password          string          `json:"password,omitempty"`
	SavePassword      string          `json:"savePassword,omitempty"`
	Paid              bool            `json:"paid,omitempty"`
	EmbeddedFonts     bool            `json:"embeddedFonts,omitempty"`
	FromChanges       bool            `json:"fromChanges,omitempty"`
	FromOrigin        bool            `json:"fromOrigin,omitempty"`
	FromSettings      bool            `json:"fromSettings,omitempty"`
	NoBase64          bool            `json:"noBase64,omitempty"`
	ConvertToOrigin   string          `json:"convertToOrigin,omitempty"`
	OformAsPdf        *bool           `json:"oformAsPdf,omitempty"`
	Forgotten         string          `json:"forgotten,omitempty"`
	JSONParams        json.RawMessage `json:"jsonParams,omitempty"`
	ForceSave         *ForceSave      `json:"forceSave,omitempty"`
	ExternalChange    *ExternalChange `json:"externalChange,omitempty"`
	MailMerge         *MailMerge      `json:"mailMerge,omitempty"`
	Thumbnail         *Thumbnail      `json:"thumbnail,omitempty"`
	TextParams        *TextParams     `json:"textParams,omitempty"`
	Builder           *BuilderParams  `json:"builder,omitempty"`
	Wopi              *WopiParams     `json:"wopi,omitempty"`
	VisibilityTimeout int             `json:"visibilityTimeout"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// ForceSave bounds a change replay. Time and Index are either both set or the
// cutoff is ignored; AuthorUserID/AuthorUserIndex credit an empty replay.
type ForceSave struct {
	Time            *time.Time `json:"time,omitempty"`
	Index           *int       `json:"index,omitempty"`
	AuthorUserID    string     `json:"authorUserId,omitempty"`
	AuthorUserIndex *int       `json:"authorUserIndex,omitempty"`
}

// HasCutoff reports whether both halves of the cutoff are present.
func (f *ForceSave) HasCutoff() bool {
	return f != nil && f.Time != nil && f.Index != nil
}

// ExternalChange describes one modification applied outside the change log.
type ExternalChange struct {
	UserID         string    `json:"userId"`
	UserIDOriginal string    `json:"userIdOriginal"`
	UserName       string    `json:"userName"`
	ChangeDate     time.Time `json:"changeDate"`
}

type MailMerge struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Subject     string `json:"subject"`
	MailFormat  int    `json:"mailFormat"`
	FileName    string `json:"fileName"`
	Message     string `json:"message"`
	RecordFrom  int    `json:"recordFrom"`
	RecordTo    int    `json:"recordTo"`
	RecordCount int    `json:"recordCount"`
	UserID      string `json:"userId"`
	URL         string `json:"url"`
	JSONKey     string `json:"jsonKey"`
}

type Thumbnail struct {
	Format int  `json:"format"`
	Aspect int  `json:"aspect"`
	First  bool `json:"first"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

type TextParams struct {
	Association int `json:"association"`
}

// BuilderParams carries a document-builder script run instead of a
// conversion. Argument is passed to the builder verbatim as JSON.
type BuilderParams struct {
	Argument json.RawMessage `json:"argument,omitempty"`
}

// WopiParams locate a file hosted by a WOPI host.
type WopiParams struct {
	FileURL     string            `json:"fileUrl,omitempty"`
	WopiSrc     string            `json:"wopiSrc,omitempty"`
	AccessToken string            `json:"accessToken"`
	Size        *int64            `json:"size,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SourceKind discriminates how a task's input is acquired.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceURL
	SourceStorage
	SourceForgotten
	SourceBuilder
)

func (k SourceKind) String() string {
	switch k {
	case SourceURL:
		return "url"
	case SourceStorage:
		return "storage"
	case SourceForgotten:
		return "forgotten"
	case SourceBuilder:
		return "builder"
	}
	return "unknown"
}

// Source selects the acquisition strategy, in precedence order.
func (t *ConversionTask) Source() SourceKind {
	switch {
	case t.URL != "" || t.Wopi != nil:
		return SourceURL
	case t.SaveKey != "" || t.FromOrigin || t.FromSettings || t.FromChanges:
		return SourceStorage
	case t.Forgotten != "":
		return SourceForgotten
	case t.Builder != nil:
		return SourceBuilder
	}
	return SourceUnknown
}

// Key is the storage key of the document snapshot this task works on.
func (t *ConversionTask) Key() string {
	return t.DocID + t.SaveKey
}

// IsChangeReplay reports whether the task rebuilds a document from the
// change log rather than loading an origin/settings snapshot.
func (t *ConversionTask) IsChangeReplay() bool {
	return t.FromChanges && !(t.FromOrigin || t.FromSettings)
}
