package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// catalog errors
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrMalformedWorkflow = errors.New("malformed workflow file")
	ErrInvalidName       = errors.New("invalid workflow name")
)

// Catalog loads named workflows from a directory of <name>.json files.
type Catalog struct {
	dir    string
	logger *logrus.Logger
}

// NewCatalog creates a catalog rooted at dir
func NewCatalog(dir string, logger *logrus.Logger) *Catalog {
	return &Catalog{dir: dir, logger: logger}
}

// LoadByName reads <dir>/<name>.json and returns its canonical workflow.
// The ".json" suffix is added when missing.
func (c *Catalog) LoadByName(name string) (Workflow, error) {
	name = strings.TrimSpace(name)
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}

	path, err := c.pathFor(name)
	if err != nil {
		c.logger.WithField("workflow", name).Error("Rejected workflow name")
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.WithField("path", path).Error("Workflow not found")
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, path)
		}
		c.logger.WithError(err).WithField("path", path).Error("Failed to read workflow")
		return nil, fmt.Errorf("failed to read workflow %s: %w", name, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		c.logger.WithError(err).WithField("workflow", name).Error("Invalid JSON in workflow file")
		return nil, fmt.Errorf("%w %s: %v", ErrMalformedWorkflow, name, err)
	}
	if doc == nil {
		c.logger.WithField("workflow", name).Error("Workflow file holds null")
		return nil, fmt.Errorf("%w %s: null document", ErrMalformedWorkflow, name)
	}

	wf, shape := Canonicalize(doc)
	entry := c.logger.WithFields(logrus.Fields{
		"workflow": name,
		"shape":    shape.String(),
	})
	if shape == ShapeUnknown {
		entry.Warn("Workflow format is unknown, returning as-is")
	} else {
		entry.Info("Successfully loaded workflow")
	}

	return wf, nil
}

// pathFor joins name under the catalog root, refusing names that escape it.
func (c *Catalog) pathFor(name string) (string, error) {
	if name == ".json" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	base := filepath.Clean(c.dir)
	path := filepath.Join(base, name)
	if !strings.HasPrefix(path, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return path, nil
}
