package models

import "time"

// ConversionOutcome is the classified result of one task.
type ConversionOutcome struct {
	Status         StatusCode `json:"status"`
	Warning        StatusCode `json:"warning,omitempty"`
	OutputPath     string     `json:"outputPath,omitempty"`
	OutputFormat   Format     `json:"outputFormat"`
	UserID         string     `json:"userId,omitempty"`
	UserIndex      *int       `json:"userIndex,omitempty"`
	LastModifiedBy string     `json:"lastModifiedBy,omitempty"`
	Modified       string     `json:"modified,omitempty"`
}

// ConversionResponse is published back to the platform. It echoes the task
// so the platform can correlate it without extra state.
type ConversionResponse struct {
	ID          string            `json:"id"`
	Task        ConversionTask    `json:"task"`
	Title       string            `json:"title,omitempty"`
	Outcome     ConversionOutcome `json:"outcome"`
	CompletedAt time.Time         `json:"completedAt"`
}

// NewStatusResponse answers task with status and no output, as done when a
// task fails before the pipeline can classify it.
func NewStatusResponse(id string, task ConversionTask, status StatusCode, now time.Time) *ConversionResponse {
	return &ConversionResponse{
		ID:          id,
		Task:        task,
		Title:       task.Title,
		Outcome:     ConversionOutcome{Status: status, OutputFormat: task.OutputFormat},
		CompletedAt: now.UTC(),
	}
}
