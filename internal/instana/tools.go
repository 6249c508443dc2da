package instana

import (
	"context"

	"github.com/nugget/slo-agent/internal/tools"
)

// RegisterTools adds summarize_application and fetch_application to the
// registry. Both answer with text, including on failure.
func RegisterTools(registry *tools.Registry, f *Fetcher) {
	registry.Register(&tools.Tool{
		Name:        "summarize_application",
		Description: "Fetch and summarize application configuration from Instana by application ID.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"application_id": map[string]any{
					"type":        "string",
					"description": "The Instana application ID to summarize",
				},
			},
			"required": []string{"application_id"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			id, err := tools.StringArg("summarize_application", args, "application_id")
			if err != nil {
				return "", err
			}
			return f.SummarizeApplicationByID(ctx, id), nil
		},
	})

	registry.Register(&tools.Tool{
		Name:        "fetch_application",
		Description: "Fetch application details and metadata. If application_id is provided, fetches configuration from Instana.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"application_name": map[string]any{
					"type":        "string",
					"description": "The name of the application to fetch",
				},
				"application_id": map[string]any{
					"type":        "string",
					"description": "Optional Instana application ID",
				},
			},
			"required": []string{"application_name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			name, err := tools.StringArg("fetch_application", args, "application_name")
			if err != nil {
				return "", err
			}
			id, _ := args["application_id"].(string)
			return f.DescribeApplication(ctx, name, id), nil
		},
	})
}
