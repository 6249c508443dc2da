package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not in
// the registry, either because it was never registered or because the
// registry is a filtered copy that left it out.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrMissingArgument is returned by tool handlers when a required argument
// is absent or has the wrong type.
type ErrMissingArgument struct {
	ToolName string
	Argument string
}

// Error implements the error interface.
func (e *ErrMissingArgument) Error() string {
	return fmt.Sprintf("tool %q: missing required argument %q", e.ToolName, e.Argument)
}

// StringArg returns args[key] when it is a non-empty string.
func StringArg(tool string, args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", &ErrMissingArgument{ToolName: tool, Argument: key}
	}
	return v, nil
}
