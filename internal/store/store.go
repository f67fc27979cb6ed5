// Package store persists user-authored fax scripts
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a project has no script
var ErrNotFound = errors.New("script not found")

// Script is one saved version of a project's script. Scripts are never
// modified; the newest one is the project's current script.
type Script struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Script    string    `json:"script"`
	CreatedAt time.Time `json:"created_at"`
}

// ScriptStore saves and loads scripts
type ScriptStore interface {
	Latest(ctx context.Context, project string) (*Script, error)
	Save(ctx context.Context, project, script string) (*Script, error)
	History(ctx context.Context, project string, limit int) ([]*Script, error)
}
