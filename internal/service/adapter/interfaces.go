package adapter

import (
	"context"
	"errors"
	"time"
)

// Request is everything an adapter needs to publish one task. The content
// comes from the task's snapshot, not the live article.
type Request struct {
	TaskID     uint           `json:"task_id"`
	TenantID   string         `json:"tenant_id"`
	PlatformID string         `json:"platform_id"`
	AccountID  uint           `json:"account_id"`
	Title      string         `json:"title"`
	Slug       string         `json:"slug,omitempty"`
	Content    string         `json:"content"`
	Keyword    string         `json:"keyword,omitempty"`
	ImageURL   string         `json:"image_url,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Attempt    int            `json:"attempt"`

	// DedupeToken is identical across every attempt of the same task, so a
	// retried publish can be recognised by the platform side.
	DedupeToken string `json:"dedupe_token"`
}

// Outcome is the result of a publish attempt. Success=false with a nil error
// is a platform-reported failure and is retried like a transient error.
type Outcome struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ArtifactRef  string            `json:"artifact_ref,omitempty"`
	URL          string            `json:"url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PublishedAt  time.Time         `json:"published_at"`
}

// Adapter publishes content to one platform.
type Adapter interface {
	PlatformID() string
	DisplayName() string
	Publish(ctx context.Context, req *Request) (*Outcome, error)
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying, e.g. rejected credentials or
// malformed content.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
