package models

import "time"

// ChangeRecord is one collaborative edit as stored in the change log.
type ChangeRecord struct {
	Tenant         string
	DocID          string
	Index          int
	UserID         string
	UserIDOriginal string
	UserName       string
	Data           []byte
	ChangeDate     time.Time
}

// HistoryEntry marks the start of one author's block in a replay.
type HistoryEntry struct {
	DocumentSha256 string      `json:"documentSha256"`
	Created        string      `json:"created"`
	User           HistoryUser `json:"user"`
}

type HistoryUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChangesHistory is written as changesHistory.json next to the result.
type ChangesHistory struct {
	ServerVersion string         `json:"serverVersion"`
	Changes       []HistoryEntry `json:"changes"`
}
