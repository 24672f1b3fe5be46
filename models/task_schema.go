package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformedTask marks queue payloads rejected at decode time. It is not
// part of the runtime status taxonomy.
var ErrMalformedTask = errors.New("malformed task")

const taskSchemaURL = "https://schemas.fileconverter.local/task.json"

const taskSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenant", "docId", "outputFormat", "visibilityTimeout"],
  "properties": {
    "tenant": {"type": "string"},
    "docId": {"type": "string", "minLength": 1},
    "userId": {"type": "string"},
    "command": {"type": "string"},
    "saveKey": {"type": "string"},
    "format": {"type": "string"},
    "originFormat": {"type": "integer"},
    "outputFormat": {"type": "integer", "minimum": 0},
    "toFile": {"type": "string"},
    "title": {"type": "string"},
    "url": {"type": "string"},
    "lcid": {"type": "integer"},
    "codepage": {"type": "integer"},
    "delimiter": {"type": "integer"},
    "forgotten": {"type": "string"},
    "visibilityTimeout": {"type": "integer", "minimum": 0},
    "createdAt": {"type": "string"},
    "forceSave": {
      "type": "object",
      "properties": {
        "time": {"type": "string"},
        "index": {"type": "integer", "minimum": 0},
        "authorUserId": {"type": "string"},
        "authorUserIndex": {"type": "integer"}
      }
    },
    "externalChange": {
      "type": "object",
      "required": ["userIdOriginal", "changeDate"],
      "properties": {
        "userId": {"type": "string"},
        "userIdOriginal": {"type": "string"},
        "userName": {"type": "string"},
        "changeDate": {"type": "string"}
      }
    },
    "mailMerge": {"type": "object"},
    "thumbnail": {"type": "object"},
    "textParams": {"type": "object"},
    "builder": {"type": "object"},
    "wopi": {
      "type": "object",
      "required": ["accessToken"],
      "properties": {
        "fileUrl": {"type": "string"},
        "wopiSrc": {"type": "string"},
        "accessToken": {"type": "string"},
        "size": {"type": "integer", "minimum": 0},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledTaskSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse task schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(taskSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add task schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(taskSchemaURL)
	})
	return schema, schemaErr
}

// DecodeTask validates a raw queue payload and decodes it.
func DecodeTask(data []byte) (*ConversionTask, error) {
	sch, err := compiledTaskSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}

	var task ConversionTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTask, err)
	}
	return &task, nil
}
