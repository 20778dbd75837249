package model

import (
	"github.com/google/uuid"
)

// Directory maps agent identifiers to display names. It is fetched once per
// run and treated as read-only afterwards.
type Directory map[string]string

// Lookup returns the display name of id
func (d Directory) Lookup(id string) (string, bool) {
	if d == nil {
		return "", false
	}
	name, ok := d[id]
	return name, ok
}

type RunID string

// NewRunID generates a new unique RunID
func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// Conversation is the subset of a per-record lookup the pipeline uses
type Conversation struct {
	ID        ConversationID
	CreatedAt int64
	State     string
	Tags      []string
}
