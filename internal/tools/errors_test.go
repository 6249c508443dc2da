package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "summarize_application"}
	want := `tool "summarize_application" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	orig := &ErrToolUnavailable{ToolName: "fetch_application"}
	wrapped := fmt.Errorf("tool execution: %w", orig)

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "fetch_application" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "fetch_application")
	}
}

func TestErrToolUnavailable_NotMatchOtherErrors(t *testing.T) {
	other := fmt.Errorf("some other error")
	var target *ErrToolUnavailable
	if errors.As(other, &target) {
		t.Error("errors.As should not match non-ErrToolUnavailable error")
	}
}

func TestStringArg(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		want    string
		wantErr bool
	}{
		{name: "present", args: map[string]any{"application_id": "abc"}, want: "abc"},
		{name: "missing", args: map[string]any{}, wantErr: true},
		{name: "empty", args: map[string]any{"application_id": ""}, wantErr: true},
		{name: "wrong type", args: map[string]any{"application_id": 42.0}, wantErr: true},
		{name: "nil map", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StringArg("summarize_application", tt.args, "application_id")
			if tt.wantErr {
				var target *ErrMissingArgument
				if !errors.As(err, &target) {
					t.Fatalf("StringArg error = %v, want *ErrMissingArgument", err)
				}
				if target.Argument != "application_id" {
					t.Errorf("Argument = %q", target.Argument)
				}
				return
			}
			if err != nil {
				t.Fatalf("StringArg: %v", err)
			}
			if got != tt.want {
				t.Errorf("StringArg = %q, want %q", got, tt.want)
			}
		})
	}
}
