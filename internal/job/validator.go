package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/TallJasonPDX/runpod-worker-comfy/internal/workflow"
)

// user-facing validation messages
const (
	MsgMissingInput    = "Please provide input"
	MsgInvalidJSON     = "Invalid JSON format in input"
	MsgMissingWorkflow = "Missing 'workflow' or 'workflow_name' parameter"
	MsgInvalidImages   = "'images' must be a list of objects with 'name' and 'image' keys"
)

// WorkflowLoader resolves a workflow by catalog name.
type WorkflowLoader interface {
	LoadByName(name string) (workflow.Workflow, error)
}

// Validator turns a raw job input into a Request.
type Validator struct {
	loader WorkflowLoader
	logger *logrus.Logger
}

// NewValidator creates a validator backed by loader
func NewValidator(loader WorkflowLoader, logger *logrus.Logger) *Validator {
	return &Validator{loader: loader, logger: logger}
}

// Validate parses and checks raw. The input may be a JSON object or a JSON
// string holding one. An inline workflow takes precedence over workflow_name.
func (v *Validator) Validate(raw json.RawMessage) (*Request, error) {
	fields, err := decodeInput(raw)
	if err != nil {
		return nil, err
	}

	wf, err := v.resolveWorkflow(fields)
	if err != nil {
		return nil, err
	}

	images, err := decodeImages(fields["images"])
	if err != nil {
		return nil, err
	}

	return &Request{Workflow: wf, Images: images}, nil
}

func decodeInput(raw json.RawMessage) (map[string]json.RawMessage, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || isNull(data) {
		return nil, NewStageError(ErrInput, MsgMissingInput, nil)
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, NewStageError(ErrInput, MsgInvalidJSON, err)
		}
		data = bytes.TrimSpace([]byte(s))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		if err == nil {
			err = fmt.Errorf("input is not a JSON object")
		}
		return nil, NewStageError(ErrInput, MsgInvalidJSON, err)
	}
	return fields, nil
}

func (v *Validator) resolveWorkflow(fields map[string]json.RawMessage) (workflow.Workflow, error) {
	var inline map[string]any
	if raw, ok := fields["workflow"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &inline); err != nil {
			return nil, NewStageError(ErrInput, "'workflow' must be a JSON object", err)
		}
	}

	var name string
	if raw, ok := fields["workflow_name"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, NewStageError(ErrInput, "'workflow_name' must be a string", err)
		}
		name = strings.TrimSpace(name)
	}

	switch {
	case len(inline) > 0:
		if name != "" {
			v.logger.WithField("workflow_name", name).Debug("Inline workflow supplied, ignoring workflow_name")
		}
		wf, shape := workflow.Canonicalize(inline)
		if shape == workflow.ShapeUnknown {
			v.logger.Warn("Inline workflow format is unknown, using as-is")
		}
		if err := wf.Validate(); err != nil {
			return nil, NewStageError(ErrInput, "Invalid workflow: "+err.Error(), err)
		}
		return wf, nil

	case name != "":
		msg := "Could not load workflow: " + name
		wf, err := v.loader.LoadByName(name)
		if err != nil {
			return nil, NewStageError(ErrWorkflowResolution, msg, err)
		}
		if err := wf.Validate(); err != nil {
			return nil, NewStageError(ErrWorkflowResolution, msg, err)
		}
		return wf, nil

	default:
		return nil, NewStageError(ErrInput, MsgMissingWorkflow, nil)
	}
}

func decodeImages(raw json.RawMessage) ([]ImageInput, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, NewStageError(ErrInput, MsgInvalidImages, err)
	}

	images := make([]ImageInput, 0, len(items))
	for i, item := range items {
		name, okName := stringField(item, "name")
		image, okImage := stringField(item, "image")
		if !okName || !okImage {
			return nil, NewStageError(ErrInput, MsgInvalidImages, fmt.Errorf("images[%d] is malformed", i))
		}
		images = append(images, ImageInput{Name: name, Image: image})
	}
	return images, nil
}

func stringField(item map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := item[key]
	if !ok || isNull(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(data []byte) bool {
	return bytes.Equal(bytes.TrimSpace(data), []byte("null"))
}
