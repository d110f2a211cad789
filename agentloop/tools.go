package agentloop

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/sravan-iaisolution/codebox/unifiedllm"
)

// Tool names offered to the model.
const (
	ToolTerminal            = "terminal"
	ToolCreateOrUpdateFiles = "createOrUpdateFiles"
	ToolReadFiles           = "readFiles"
)

// ToolDefinitions returns the fixed tool schema sent with every model turn.
func ToolDefinitions() []unifiedllm.ToolDefinition {
	return []unifiedllm.ToolDefinition{
		{
			Name:        ToolTerminal,
			Description: "Use the terminal to run commands in the sandbox, e.g. installing packages with npm.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "string",
						"description": "The command to run.",
					},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        ToolCreateOrUpdateFiles,
			Description: "Create or update files in the sandbox. Paths are relative to the project root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"path":    map[string]any{"type": "string"},
								"content": map[string]any{"type": "string"},
							},
							"required": []string{"path", "content"},
						},
					},
				},
				"required": []string{"files"},
			},
		},
		{
			Name:        ToolReadFiles,
			Description: "Read files from the sandbox.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"files": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required": []string{"files"},
			},
		},
	}
}

// Invocation is a parsed tool call. Exactly one of the concrete types below.
type Invocation interface {
	ToolName() string
}

// TerminalArgs are the arguments of a terminal call.
type TerminalArgs struct {
	Command string `json:"command"`
}

// FileEntry is one file of a createOrUpdateFiles call. A missing content
// field decodes as the empty string.
type FileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CreateOrUpdateFilesArgs are the arguments of a createOrUpdateFiles call.
type CreateOrUpdateFilesArgs struct {
	Files []FileEntry `json:"files"`
}

// ReadFilesArgs are the arguments of a readFiles call.
type ReadFilesArgs struct {
	Files []string `json:"files"`
}

// UnknownTool is a call to a tool that is not offered. It is ignored.
type UnknownTool struct {
	Name string
}

func (TerminalArgs) ToolName() string            { return ToolTerminal }
func (CreateOrUpdateFilesArgs) ToolName() string { return ToolCreateOrUpdateFiles }
func (ReadFilesArgs) ToolName() string           { return ToolReadFiles }
func (u UnknownTool) ToolName() string           { return u.Name }

// ParseInvocation decodes a tool call into its Invocation. Arguments that are
// not valid JSON are repaired when possible and otherwise treated as empty,
// so the tool reports the missing fields instead of the turn failing.
func ParseInvocation(call unifiedllm.ToolCall) Invocation {
	switch call.Name {
	case ToolTerminal:
		var args TerminalArgs
		decodeArguments(call.Arguments, &args)
		return args
	case ToolCreateOrUpdateFiles:
		var args CreateOrUpdateFilesArgs
		decodeArguments(call.Arguments, &args)
		return args
	case ToolReadFiles:
		var args ReadFilesArgs
		decodeArguments(call.Arguments, &args)
		return args
	default:
		return UnknownTool{Name: call.Name}
	}
}

func decodeArguments[T any](raw json.RawMessage, dst *T) bool {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return false
	}
	if err := json.Unmarshal([]byte(text), dst); err == nil {
		return true
	}
	var zero T
	*dst = zero
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return false
	}
	if err := json.Unmarshal([]byte(repaired), dst); err != nil {
		*dst = zero
		return false
	}
	return true
}
