package files

import (
	"context"
	"fmt"
	"strings"

	"github.com/penhold/squire/internal/tools"
)

// RegisterTools wires the file tools into the registry. Callers should
// only register when the service is enabled so the model never sees
// tools it cannot use.
func RegisterTools(r *tools.Registry, s *Service) {
	r.Register(&tools.Tool{
		Name:        "file_read",
		Description: "Read a file from the user's allowed directories. Use offset and limit to page through long files.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File path, absolute or relative to the primary allowed directory.",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "First line to return, 1-indexed. Omit for the whole file.",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Number of lines to return from offset.",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path, err := pathArg(args)
			if err != nil {
				return "", err
			}
			offset, _ := args["offset"].(float64)
			limit, _ := args["limit"].(float64)

			content, err := s.Read(path, int(offset), int(limit))
			if err != nil {
				return "", err
			}
			// File content is external text; escape before it reaches the model.
			return tools.EscapeExternal(content), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "file_write",
		Description: "Write a file inside the user's allowed directories, creating it if needed. Overwrites existing content.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Destination path, absolute or relative to the primary allowed directory.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content to store.",
				},
			},
			"required": []string{"path", "content"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path, err := pathArg(args)
			if err != nil {
				return "", err
			}
			content, _ := args["content"].(string)
			if err := s.Write(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "file_edit",
		Description: "Replace one unique occurrence of old_text with new_text in a file. Include enough surrounding context to make the match unique.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File to edit.",
				},
				"old_text": map[string]any{
					"type":        "string",
					"description": "Exact text to replace. Must appear exactly once.",
				},
				"new_text": map[string]any{
					"type":        "string",
					"description": "Replacement text.",
				},
			},
			"required": []string{"path", "old_text", "new_text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path, err := pathArg(args)
			if err != nil {
				return "", err
			}
			oldText, _ := args["old_text"].(string)
			if oldText == "" {
				return "", fmt.Errorf("old_text is required")
			}
			newText, _ := args["new_text"].(string)
			if err := s.Edit(path, oldText, newText); err != nil {
				return "", err
			}
			return fmt.Sprintf("Edited %s.", path), nil
		},
	})

	r.Register(&tools.Tool{
		Name:        "file_list",
		Description: "List the entries of a directory inside the user's allowed directories. Directories end with a slash.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory path. Use \".\" for the primary allowed directory.",
				},
			},
			"required": []string{"path"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			path, err := pathArg(args)
			if err != nil {
				return "", err
			}
			names, err := s.List(path)
			if err != nil {
				return "", err
			}
			if len(names) == 0 {
				return "Directory is empty.", nil
			}
			// Names are external text too; a file can be called anything.
			for i, n := range names {
				names[i] = tools.EscapeExternal(n)
			}
			return strings.Join(names, "\n"), nil
		},
	})
}

func pathArg(args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	return path, nil
}
