package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrEntityNotFound is returned when an entity is not known to the session.
var ErrEntityNotFound = errors.New("entity not found")

// EntityType names the kind of CRM record an action touches.
type EntityType string

const (
	EntityProperty     EntityType = "property"
	EntityContact      EntityType = "contact"
	EntityContract     EntityType = "contract"
	EntityCall         EntityType = "call"
	EntityNote         EntityType = "note"
	EntityNotification EntityType = "notification"
)

// Valid reports whether the type is one of the known entity kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProperty, EntityContact, EntityContract, EntityCall, EntityNote, EntityNotification:
		return true
	}
	return false
}

// EntityRef identifies a single entity owned by a collaborator subsystem.
type EntityRef struct {
	Type EntityType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s %s", r.Type, r.ID)
}

// Key returns a stable map key for the reference.
func (r EntityRef) Key() string {
	return string(r.Type) + ":" + r.ID
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// ParseEntityRef parses "type:id".
func ParseEntityRef(s string) (EntityRef, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q", s)
	}
	ref := EntityRef{Type: EntityType(parts[0]), ID: parts[1]}
	if !ref.Type.Valid() {
		return EntityRef{}, fmt.Errorf("unknown entity type %q", parts[0])
	}
	return ref, nil
}

// Relation is a directed edge between two entities, e.g. contact -owner_of-> property.
type Relation struct {
	From EntityRef `json:"from" yaml:"from"`
	To   EntityRef `json:"to" yaml:"to"`
	Kind string    `json:"kind" yaml:"kind"`
}

// SortRefs orders references by type then id so that reports and errors are stable.
func SortRefs(refs []EntityRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
}

// DedupRefs returns refs with duplicates removed, preserving first occurrence order.
func DedupRefs(refs []EntityRef) []EntityRef {
	if len(refs) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(refs))
	out := make([]EntityRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	return out
}
