package memory

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/penhold/squire/internal/llm"
)

// ToolsPrefix marks a turn whose content is a serialised list of
// content blocks from a tool round-trip rather than plain text.
const ToolsPrefix = "<TOOLS>"

// EncodeToolTurn serialises a block list for storage in a session file.
func EncodeToolTurn(blocks []llm.ContentBlock) (string, error) {
	data, err := json.Marshal(blocks)
	if err != nil {
		return "", fmt.Errorf("marshal tool blocks: %w", err)
	}
	return ToolsPrefix + string(data), nil
}

// DecodeToolTurn parses a stored turn's content. ok is false when the
// content is plain text; err is non-nil when the sentinel is present
// but the payload is unreadable.
func DecodeToolTurn(content string) ([]llm.ContentBlock, bool, error) {
	if !strings.HasPrefix(content, ToolsPrefix) {
		return nil, false, nil
	}
	var blocks []llm.ContentBlock
	if err := json.Unmarshal([]byte(content[len(ToolsPrefix):]), &blocks); err != nil {
		return nil, true, fmt.Errorf("parse tool blocks: %w", err)
	}
	return blocks, true, nil
}

// ToMessages reconstructs provider messages from stored turns. Tool
// turns become structured block messages; an unreadable tool payload
// degrades to its raw text so one corrupt line cannot erase history.
func ToMessages(turns []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		blocks, isTool, err := DecodeToolTurn(t.Content)
		if isTool && err == nil {
			msgs = append(msgs, llm.Message{Role: t.Role, Blocks: blocks})
			continue
		}
		msgs = append(msgs, llm.TextMessage(t.Role, t.Content))
	}
	return msgs
}

// DropTrailingOrphan removes a trailing assistant message that ends in
// an unresolved tool call. History handed to a provider must never end
// on a tool_use without its tool_result.
func DropTrailingOrphan(msgs []llm.Message) []llm.Message {
	for len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role != "assistant" || !hasToolUse(last.Blocks) {
			break
		}
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

func hasToolUse(blocks []llm.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == "tool_use" {
			return true
		}
	}
	return false
}

// RenderTranscript flattens turns into "Role: content" text for
// summarization prompts. Tool round-trips are rendered as short
// bracketed notes instead of raw JSON.
func RenderTranscript(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		role := t.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		blocks, isTool, err := DecodeToolTurn(t.Content)
		if isTool && err == nil {
			sb.WriteString(fmt.Sprintf("%s: %s\n\n", role, describeBlocks(blocks)))
			continue
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n\n", role, t.Content))
	}
	return sb.String()
}

func describeBlocks(blocks []llm.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case "tool_use":
			parts = append(parts, fmt.Sprintf("[called %s]", b.Name))
		case "tool_result":
			result := b.Content
			if len(result) > 200 {
				result = result[:200] + "..."
			}
			parts = append(parts, fmt.Sprintf("[tool result: %s]", result))
		}
	}
	return strings.Join(parts, " ")
}
