// Package memory keeps the session-scoped entity graph that goals and plan steps read and write.
package memory

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Entity is a CRM record as seen by the current session.
type Entity struct {
	Type       models.EntityType      `json:"type" yaml:"type"`
	ID         string                 `json:"id" yaml:"id"`
	Attributes map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Relations  []models.Relation      `json:"relations,omitempty" yaml:"relations,omitempty"`
	UpdatedAt  time.Time              `json:"updated_at" yaml:"updated_at"`
}

// Ref returns the entity's reference.
func (e Entity) Ref() models.EntityRef {
	return models.EntityRef{Type: e.Type, ID: e.ID}
}

func (e *Entity) clone() Entity {
	out := Entity{Type: e.Type, ID: e.ID, UpdatedAt: e.UpdatedAt}
	if len(e.Attributes) > 0 {
		out.Attributes = make(map[string]interface{}, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	out.Relations = append([]models.Relation(nil), e.Relations...)
	return out
}

type memoEntry struct {
	result     capability.Result
	recordedAt time.Time
}

// Store is safe for concurrent use. Every update to one entity happens under the store lock.
type Store struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	focus    map[models.EntityType]string
	memo     map[string]memoEntry
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		entities: make(map[string]*Entity),
		focus:    make(map[models.EntityType]string),
		memo:     make(map[string]memoEntry),
		now:      time.Now,
	}
}

// Get returns a copy of the entity if the session knows it.
func (s *Store) Get(t models.EntityType, id string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[models.EntityRef{Type: t, ID: id}.Key()]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Put merges attributes and relations into the stored entity and makes it the focus of its type.
func (s *Store) Put(e Entity) { s.merge(e, true) }

// Record merges like Put but leaves the focus alone. Fan-out sub-plans use it so that no single
// entity of a bulk run becomes the subject of follow-up goals.
func (s *Store) Record(e Entity) { s.merge(e, false) }

func (s *Store) merge(e Entity, focus bool) {
	if e.Type == "" || e.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.upsertLocked(e.Ref(), focus)
	for k, v := range e.Attributes {
		if cur.Attributes == nil {
			cur.Attributes = make(map[string]interface{})
		}
		cur.Attributes[k] = v
	}
	for _, rel := range e.Relations {
		addRelation(cur, rel)
	}
}

// Link records a directed relation and creates either endpoint if it is not known yet.
func (s *Store) Link(a, b models.EntityRef, relation string) { s.link(a, b, relation, true) }

// RecordLink is Link without moving the focus.
func (s *Store) RecordLink(a, b models.EntityRef, relation string) { s.link(a, b, relation, false) }

func (s *Store) link(a, b models.EntityRef, relation string, focus bool) {
	if a.IsZero() || b.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rel := models.Relation{From: a, To: b, Kind: relation}
	addRelation(s.upsertLocked(a, focus), rel)
	addRelation(s.upsertLocked(b, focus), rel)
}

// Focus returns the most recently touched entity of a type.
func (s *Store) Focus(t models.EntityType) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.focus[t]
	if !ok {
		return Entity{}, false
	}
	e, ok := s.entities[key]
	if !ok {
		return Entity{}, false
	}
	return e.clone(), true
}

// Entities lists every known entity ordered by type then id.
func (s *Store) Entities() []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Recall returns the recorded result of an idempotent action invoked earlier with identical params.
func (s *Store) Recall(actionID string, params map[string]interface{}) (capability.Result, bool) {
	key, ok := memoKey(actionID, params)
	if !ok {
		return capability.Result{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.memo[key]
	return entry.result, ok
}

// Remember records the result of an idempotent action.
func (s *Store) Remember(actionID string, params map[string]interface{}, res capability.Result) {
	key, ok := memoKey(actionID, params)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memo[key] = memoEntry{result: res, recordedAt: s.now()}
}

// Forget drops a recorded result, e.g. after the state it produced was rolled back.
func (s *Store) Forget(actionID string, params map[string]interface{}) {
	key, ok := memoKey(actionID, params)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memo, key)
}

func (s *Store) upsertLocked(ref models.EntityRef, focus bool) *Entity {
	key := ref.Key()
	cur, ok := s.entities[key]
	if !ok {
		cur = &Entity{Type: ref.Type, ID: ref.ID}
		s.entities[key] = cur
	}
	cur.UpdatedAt = s.now()
	if focus {
		s.focus[ref.Type] = key
	}
	return cur
}

func addRelation(e *Entity, rel models.Relation) {
	for _, r := range e.Relations {
		if r == rel {
			return
		}
	}
	e.Relations = append(e.Relations, rel)
}

// encoding/json sorts map keys, so equal params always produce the same key.
func memoKey(actionID string, params map[string]interface{}) (string, bool) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", false
	}
	return actionID + "|" + string(raw), true
}
