// Package refsolver resolves ${scope.path} reference expressions against a
// snapshot of accumulated workflow context. It is a dotted-path lookup, not
// an expression evaluator: paths are rooted at `workflow.input`,
// `workflow.output` or `<taskReferenceName>.(input|output)`.
package refsolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/sagaflow/sagaflow/engine/core"
)

var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// HasReference reports whether s contains at least one ${...} fragment.
func HasReference(s string) bool {
	return refPattern.MatchString(s)
}

// Context is an immutable snapshot of the resolution scope, assembled once
// at task-instance creation time. Later output changes never retroactively
// mutate values resolved against it.
type Context struct {
	raw []byte
}

// NewContext marshals the scope mapping into its lookup form.
func NewContext(scope map[string]any) (*Context, error) {
	raw, err := json.Marshal(scope)
	if err != nil {
		return nil, core.NewError(core.CodeSerializationError,
			"marshaling reference resolution context").WithCause(err)
	}
	return &Context{raw: raw}, nil
}

// Resolve substitutes every ${...} fragment in value, recursing through
// maps and slices. A string that is exactly one reference resolves to the
// referenced value with its original type (nil when the path is absent); a
// string with surrounding literals or multiple references concatenates the
// stringified fragments, with absent paths contributing an empty string.
func (c *Context) Resolve(value any) any {
	switch v := value.(type) {
	case string:
		return c.resolveString(v)
	case map[string]any:
		resolved := make(map[string]any, len(v))
		for key, item := range v {
			resolved[key] = c.Resolve(item)
		}
		return resolved
	case []any:
		resolved := make([]any, len(v))
		for i, item := range v {
			resolved[i] = c.Resolve(item)
		}
		return resolved
	default:
		return value
	}
}

// ResolveInput resolves a whole parameter map into a task input.
func (c *Context) ResolveInput(params map[string]any) core.Input {
	if params == nil {
		return nil
	}
	return core.Input(c.Resolve(params).(map[string]any))
}

// ResolveOutput resolves workflow outputParameters into an output map.
func (c *Context) ResolveOutput(params map[string]any) core.Output {
	if params == nil {
		return nil
	}
	return core.Output(c.Resolve(params).(map[string]any))
}

func (c *Context) resolveString(s string) any {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	// Whole-string reference keeps the referenced value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		result := gjson.GetBytes(c.raw, strings.TrimSpace(s[matches[0][2]:matches[0][3]]))
		if !result.Exists() {
			return nil
		}
		return result.Value()
	}
	return refPattern.ReplaceAllStringFunc(s, func(fragment string) string {
		path := strings.TrimSpace(fragment[2 : len(fragment)-1])
		result := gjson.GetBytes(c.raw, path)
		if !result.Exists() {
			return ""
		}
		return stringify(result)
	})
}

func stringify(result gjson.Result) string {
	switch result.Type {
	case gjson.String:
		return result.String()
	case gjson.JSON:
		return result.Raw
	default:
		return fmt.Sprintf("%v", result.Value())
	}
}
