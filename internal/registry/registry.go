// Package registry stores MCP server metadata documents keyed by server id.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound        = errors.New("registry entry not found")
	ErrTransient       = errors.New("registry temporarily unavailable")
	ErrInvalidID       = errors.New("invalid server id")
	ErrInvalidDocument = errors.New("registry document must be a JSON object")
)

// Store is the registry boundary. Writes are atomic per key: readers never
// observe a partially written document.
type Store interface {
	Get(ctx context.Context, id string) (Entry, error)
	Put(ctx context.Context, id string, doc json.RawMessage) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Entry is one stored metadata document.
type Entry struct {
	ID  string
	Doc json.RawMessage
}

// Metadata holds the document fields the relay acts on. Other fields stay in
// Entry.Doc untouched.
type Metadata struct {
	Transport     string            `json:"transport,omitempty"`
	Command       string            `json:"command,omitempty"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Workdir       string            `json:"workdir,omitempty"`
	Entrypoint    string            `json:"entrypoint,omitempty"`
	Lang          string            `json:"lang,omitempty"`
	URL           string            `json:"url,omitempty"`
	Timeout       string            `json:"timeout,omitempty"`
	MemoryLimitMB int               `json:"memory_limit_mb,omitempty"`
	Version       string            `json:"version,omitempty"`
	Capabilities  json.RawMessage   `json:"capabilities,omitempty"`
}

// Metadata decodes the relay-relevant fields of the document.
func (e Entry) Metadata() (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(e.Doc, &md); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
	}
	if md.Timeout != "" {
		if _, err := time.ParseDuration(md.Timeout); err != nil {
			return Metadata{}, fmt.Errorf("metadata for %s: invalid timeout %q", e.ID, md.Timeout)
		}
	}
	return md, nil
}

// TimeoutOr returns the per-server timeout when it is set and lower than
// ceiling, ceiling otherwise.
func (md Metadata) TimeoutOr(ceiling time.Duration) time.Duration {
	if md.Timeout == "" {
		return ceiling
	}
	d, err := time.ParseDuration(md.Timeout)
	if err != nil || d <= 0 || (ceiling > 0 && d > ceiling) {
		return ceiling
	}
	return d
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID rejects ids that cannot be used as file names or keys.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ValidateDocument checks doc is a JSON object.
func ValidateDocument(doc json.RawMessage) error {
	t := bytes.TrimSpace(doc)
	if len(t) == 0 || t[0] != '{' || !json.Valid(t) {
		return ErrInvalidDocument
	}
	return nil
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

func transient(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrTransient, op, id, err)
}
