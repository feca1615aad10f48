package capability

import (
	"context"

	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Result is the structured success value of a capability invocation.
type Result struct {
	Output    map[string]interface{} `json:"output,omitempty"`
	Summary   string                 `json:"summary,omitempty"`
	Entities  []models.EntityRef     `json:"entities,omitempty"`
	Relations []models.Relation      `json:"relations,omitempty"`
}

// Invoker calls collaborator capabilities by action id.
type Invoker interface {
	Invoke(ctx context.Context, actionID string, params map[string]interface{}) (Result, error)
}

// Snapshotter captures and restores the local record of an entity.
// A nil snapshot means the entity did not exist when captured.
type Snapshotter interface {
	Snapshot(ctx context.Context, ref models.EntityRef) ([]byte, error)
	Restore(ctx context.Context, ref models.EntityRef, snapshot []byte) error
}

// Collaborator is the full capability boundary the engine depends on.
type Collaborator interface {
	Invoker
	Snapshotter
}
