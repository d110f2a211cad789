// Package fragment stores the conversational history of a project and the
// result artifact ("fragment") each run produces: the sandbox address, the
// files written during the run, the task summary and the final output.
package fragment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Title is the title of every fragment.
const Title = "Fragment"

// MaxValueLength bounds a user message, in characters.
const MaxValueLength = 10000

// ErrorContent is the assistant content recorded when a run fails.
const ErrorContent = "Something went wrong. Please try again."

var (
	ErrProjectIDRequired = errors.New("project id is required")
	ErrValueRequired     = errors.New("message is required")
	ErrValueTooLong      = fmt.Errorf("message is too long (max %d characters)", MaxValueLength)
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
)

// MessageType distinguishes successful results from failures.
type MessageType string

const (
	TypeResult MessageType = "RESULT"
	TypeError  MessageType = "ERROR"
)

// Message is one entry in a project's history.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"projectId"`
	Content   string      `json:"content"`
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
}

// Fragment is the persisted result of one run.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"messageId"`
	RunID      string            `json:"runId"`
	SandboxURL string            `json:"sandboxUrl"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	Summary    string            `json:"summary,omitempty"`
	Output     string            `json:"output"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Result is what a finished run hands to the persister.
type Result struct {
	RunID      string
	ProjectID  string
	Output     string
	SandboxURL string
	Files      map[string]string
	Summary    string
}

// Store persists messages and fragments.
type Store interface {
	// CreateMessage inserts a message without a fragment.
	CreateMessage(ctx context.Context, msg Message) (*Message, error)
	// SaveResult records the assistant result message and its fragment for a
	// run. It is idempotent per RunID: when the run already has a fragment,
	// that fragment is returned and nothing is written.
	SaveResult(ctx context.Context, res Result) (*Fragment, error)
	// ListMessages returns a project's messages oldest first, with fragments.
	ListMessages(ctx context.Context, projectID string) ([]Message, error)
	Close() error
}

// NewUserMessage validates a user instruction and builds its message.
func NewUserMessage(projectID, value string) (Message, error) {
	if strings.TrimSpace(projectID) == "" {
		return Message{}, ErrProjectIDRequired
	}
	if strings.TrimSpace(value) == "" {
		return Message{}, ErrValueRequired
	}
	if utf8.RuneCountInString(value) > MaxValueLength {
		return Message{}, ErrValueTooLong
	}
	return Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Content:   value,
		Role:      RoleUser,
		Type:      TypeResult,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewErrorMessage builds the assistant message recorded for a failed run.
func NewErrorMessage(projectID string) Message {
	return Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Content:   ErrorContent,
		Role:      RoleAssistant,
		Type:      TypeError,
		CreatedAt: time.Now().UTC(),
	}
}

func newResultRecords(res Result) (Message, Fragment) {
	now := time.Now().UTC()
	msg := Message{
		ID:        uuid.NewString(),
		ProjectID: res.ProjectID,
		Content:   res.Output,
		Role:      RoleAssistant,
		Type:      TypeResult,
		CreatedAt: now,
	}
	files := res.Files
	if files == nil {
		files = map[string]string{}
	}
	frag := Fragment{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		RunID:      res.RunID,
		SandboxURL: res.SandboxURL,
		Title:      Title,
		Files:      files,
		Summary:    res.Summary,
		Output:     res.Output,
		CreatedAt:  now,
	}
	return msg, frag
}
