package models

import (
	"errors"
	"testing"
)

func TestDecodeTask(t *testing.T) {
	data := []byte(`{
		"tenant": "acme",
		"docId": "doc1",
		"saveKey": "/s1",
		"format": "docx",
		"outputFormat": 513,
		"fromChanges": true,
		"visibilityTimeout": 300,
		"forceSave": {"time": "2026-01-02T03:04:05Z", "index": 5, "authorUserId": "u1", "authorUserIndex": 2},
		"externalChange": {"userIdOriginal": "u9", "userName": "Ext", "changeDate": "2026-01-01T00:00:00Z"}
	}`)
	task, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask failed: %v", err)
	}
	if task.Key() != "doc1/s1" {
		t.Errorf("Key() = %q", task.Key())
	}
	if task.OutputFormat != FormatPDF {
		t.Errorf("OutputFormat = %#x", int(task.OutputFormat))
	}
	if !task.ForceSave.HasCutoff() || *task.ForceSave.Index != 5 {
		t.Error("force save cutoff not decoded")
	}
	if task.ExternalChange == nil || task.ExternalChange.UserIDOriginal != "u9" {
		t.Error("external change not decoded")
	}
	if task.Source() != SourceStorage || !task.IsChangeReplay() {
		t.Errorf("Source() = %v, IsChangeReplay() = %v", task.Source(), task.IsChangeReplay())
	}
}

func TestDecodeTask_Malformed(t *testing.T) {
	tests := map[string]string{
		"not json":          `{`,
		"missing docId":     `{"tenant":"a","outputFormat":1,"visibilityTimeout":1}`,
		"wrong type":        `{"tenant":"a","docId":"d","outputFormat":"pdf","visibilityTimeout":1}`,
		"negative timeout":  `{"tenant":"a","docId":"d","outputFormat":1,"visibilityTimeout":-1}`,
		"wopi without auth": `{"tenant":"a","docId":"d","outputFormat":1,"visibilityTimeout":1,"wopi":{}}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTask([]byte(payload))
			if !errors.Is(err, ErrMalformedTask) {
				t.Fatalf("DecodeTask error = %v, want ErrMalformedTask", err)
			}
		})
	}
}

func TestSourcePrecedence(t *testing.T) {
	tests := []struct {
		name string
		task ConversionTask
		want SourceKind
	}{
		{"url wins", ConversionTask{URL: "http://x", SaveKey: "/s", Forgotten: "f"}, SourceURL},
		{"wopi is a url", ConversionTask{Wopi: &WopiParams{AccessToken: "t"}}, SourceURL},
		{"origin", ConversionTask{FromOrigin: true, Forgotten: "f"}, SourceStorage},
		{"forgotten", ConversionTask{Forgotten: "f", Builder: &BuilderParams{}}, SourceForgotten},
		{"builder", ConversionTask{Builder: &BuilderParams{}}, SourceBuilder},
		{"nothing", ConversionTask{}, SourceUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Source(); got != tt.want {
				t.Errorf("Source() = %v, want %v", got, tt.want)
			}
		})
	}
}
