package instana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// extraFields are printed after the well-known ones, in this order.
var extraFields = []struct {
	key   string
	label string
}{
	{"createdAt", "Created At"},
	{"updatedAt", "Updated At"},
	{"description", "Description"},
}

// SummarizeApplicationByID fetches id and renders a short multi-line
// summary. Failures render as "Error: <reason> for application <id>:
// <message>"; it never returns an empty string.
func (f *Fetcher) SummarizeApplicationByID(ctx context.Context, id string) string {
	app, err := f.FetchApplicationByID(ctx, id)
	if err != nil {
		return "Error: " + err.Error()
	}
	return Summarize(app)
}

// Summarize renders a fetched application.
func Summarize(app *Application) string {
	lines := []string{"Application ID: " + app.ID}

	data, ok := app.Data.(map[string]any)
	if !ok {
		lines = append(lines, "Data: "+formatValue(app.Data))
		return strings.Join(lines, "\n")
	}

	if v, ok := data["label"]; ok {
		lines = append(lines, "Name: "+formatValue(v))
	}
	if v, ok := data["boundaryScope"]; ok {
		lines = append(lines, "Boundary Scope: "+formatValue(v))
	}
	if services, ok := data["services"].([]any); ok {
		lines = append(lines, fmt.Sprintf("Services: %d configured", len(services)))
		if names := serviceNames(services); len(names) > 0 {
			lines = append(lines, "Service Names: "+strings.Join(names, ", "))
		}
	}
	if tags, ok := data["tags"].([]any); ok && len(tags) > 0 {
		lines = append(lines, "Tags: "+joinValues(tags))
	}
	for _, f := range extraFields {
		if v, ok := data[f.key]; ok {
			lines = append(lines, f.label+": "+formatValue(v))
		}
	}

	return strings.Join(lines, "\n")
}

// DescribeApplication renders the one-paragraph description used by the
// fetch_application tool. name is a caller-supplied display name used when
// the application has no label of its own.
func (f *Fetcher) DescribeApplication(ctx context.Context, name, id string) string {
	if id == "" {
		return fmt.Sprintf("Application '%s': no Instana application ID given", name)
	}

	app, err := f.FetchApplicationByID(ctx, id)
	if err != nil {
		return fmt.Sprintf("Error fetching application '%s' (ID: %s) from Instana: %s", name, id, errorMessage(err))
	}
	return Describe(name, app)
}

// Describe renders a fetched application as a short bulleted block.
func Describe(name string, app *Application) string {
	data, _ := app.Data.(map[string]any)

	label := name
	if v, ok := data["label"]; ok {
		label = formatValue(v)
	}
	scope := "N/A"
	if v, ok := data["boundaryScope"]; ok {
		scope = formatValue(v)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Application '%s' (ID: %s) from Instana:\n", label, app.ID)
	fmt.Fprintf(&b, "- Boundary Scope: %s\n", scope)
	if services, ok := data["services"].([]any); ok {
		fmt.Fprintf(&b, "- Services: %d configured\n", len(services))
	}
	if tags, ok := data["tags"].([]any); ok {
		fmt.Fprintf(&b, "- Tags: %s\n", joinValues(tags))
	}
	return b.String()
}

func errorMessage(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// serviceNames lists the name of every object in services, "Unknown" for
// objects without one. Non-object entries are skipped.
func serviceNames(services []any) []string {
	var names []string
	for _, s := range services {
		obj, ok := s.(map[string]any)
		if !ok {
			continue
		}
		name, ok := obj["name"]
		if !ok {
			names = append(names, "Unknown")
			continue
		}
		names = append(names, formatValue(name))
	}
	return names
}

func joinValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatValue(v)
	}
	return strings.Join(parts, ", ")
}

// formatValue renders a decoded JSON value. Whole numbers print without an
// exponent so epoch-millisecond timestamps stay readable.
func formatValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
