package definition

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/sagaflow/sagaflow/engine/core"
)

// File is the on-disk shape consumed by `sagaflow apply`: one YAML document
// carrying any mix of workflow and task definitions.
type File struct {
	Workflows []WorkflowDefinition `json:"workflows" yaml:"workflows"`
	Tasks     []TaskDefinition     `json:"tasks"     yaml:"tasks"`
}

// LoadFile parses a YAML definition file and validates every definition in
// it. Either all definitions are valid or an INVALID_DEFINITION error is
// returned with every collected failure.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading definition file %s: %w", path, err)
	}
	return ParseFile(data, filepath.Base(path))
}

// ParseFile parses and validates definition YAML. The name is used only for
// error messages.
func ParseFile(data []byte, name string) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.NewErrorf(core.CodeSerializationError,
			"parsing definition file %s", name).WithCause(err)
	}
	var errs ValidationErrors
	for i := range file.Workflows {
		errs = append(errs, ValidateWorkflowDefinition(&file.Workflows[i])...)
	}
	for i := range file.Tasks {
		errs = append(errs, ValidateTaskDefinition(&file.Tasks[i])...)
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}
	return &file, nil
}
