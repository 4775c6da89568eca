package components

import (
	"context"
	"strings"

	"github.com/shipsec/shipsec/runtime/component"
	"github.com/shipsec/shipsec/runtime/execution"
	"github.com/shipsec/shipsec/runtime/runner"
)

// TextBlock is the inline note component. It surfaces an operator-authored
// note as a progress event and produces no outputs. Blank content emits
// nothing.
func TextBlock() *component.Definition {
	return &component.Definition{
		ID:       "core.note.display",
		Label:    "Text Block",
		Category: "core",
		Parameters: []component.Port{
			{Name: "title", Type: component.Text(), Default: ""},
			{Name: "content", Type: component.Text(), Default: ""},
		},
		Runner: runner.Inline(),
		Execute: func(ctx context.Context, params map[string]any, ectx *execution.Context) (map[string]any, error) {
			content, _ := params["content"].(string)
			if strings.TrimSpace(content) == "" {
				return map[string]any{}, nil
			}
			title, _ := params["title"].(string)
			ectx.EmitProgress(ctx, "Displayed text note: "+title, "info")
			return map[string]any{}, nil
		},
	}
}
