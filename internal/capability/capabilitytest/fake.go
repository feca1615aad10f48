// Package capabilitytest provides a scripted in-memory collaborator for tests.
package capabilitytest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

// Handler scripts the response of one action. attempt counts invocations with identical params, starting at 1.
type Handler func(attempt int, params map[string]interface{}) (capability.Result, error)

// Call records one invocation.
type Call struct {
	Action string
	Params map[string]interface{}
}

// Fake implements capability.Collaborator with scripted handlers and a versioned entity store.
// Successful mutating actions bump the version of every entity they name.
type Fake struct {
	mu          sync.Mutex
	handlers    map[string]Handler
	calls       []Call
	attempts    map[string]int
	state       map[string]int
	restoreErrs map[string]error
	restored    []models.EntityRef
	snapshots   []models.EntityRef
	reads       map[string]bool
}

var _ capability.Collaborator = (*Fake)(nil)

func New() *Fake {
	f := &Fake{
		handlers:    map[string]Handler{},
		attempts:    map[string]int{},
		state:       map[string]int{},
		restoreErrs: map[string]error{},
		reads:       map[string]bool{},
	}
	for _, def := range capability.Catalog() {
		if !def.SideEffect.Mutates() {
			f.reads[def.ID] = true
		}
	}
	return f
}

// On scripts a handler for an action.
func (f *Fake) On(action string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = h
	return f
}

// FailRestore makes Restore of ref return err.
func (f *Fake) FailRestore(ref models.EntityRef, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreErrs[ref.Key()] = err
	return f
}

func (f *Fake) Invoke(ctx context.Context, actionID string, params map[string]interface{}) (capability.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Action: actionID, Params: params})
	key := actionID + "|" + paramsKey(params)
	f.attempts[key]++
	attempt := f.attempts[key]
	h := f.handlers[actionID]
	f.mu.Unlock()

	var (
		res capability.Result
		err error
	)
	if h != nil {
		res, err = h(attempt, params)
	} else {
		res = defaultResult(actionID, params)
	}
	if err != nil {
		return capability.Result{}, err
	}
	if f.reads[actionID] {
		return res, nil
	}
	f.mu.Lock()
	for _, ref := range res.Entities {
		f.state[ref.Key()]++
	}
	if pid, ok := params["propertyId"].(string); ok && pid != "" {
		f.state[models.EntityRef{Type: models.EntityProperty, ID: pid}.Key()]++
	}
	f.mu.Unlock()
	return res, nil
}

func (f *Fake) Snapshot(ctx context.Context, ref models.EntityRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, ref)
	return []byte(fmt.Sprintf("%s@%d", ref.Key(), f.state[ref.Key()])), nil
}

func (f *Fake) Restore(ctx context.Context, ref models.EntityRef, snapshot []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.restoreErrs[ref.Key()]; err != nil {
		return err
	}
	var version int
	if _, err := fmt.Sscanf(string(snapshot), ref.Key()+"@%d", &version); err != nil {
		return fmt.Errorf("corrupt snapshot for %s: %w", ref, err)
	}
	f.state[ref.Key()] = version
	f.restored = append(f.restored, ref)
	return nil
}

// Calls returns all invocations in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Actions returns the invoked action ids in order.
func (f *Fake) Actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Action)
	}
	return out
}

// CallCount returns how many times an action was invoked.
func (f *Fake) CallCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

// Restored returns the entities restored so far, in restore order.
func (f *Fake) Restored() []models.EntityRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EntityRef(nil), f.restored...)
}

// Snapshots returns the entities snapshotted so far.
func (f *Fake) Snapshots() []models.EntityRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.EntityRef(nil), f.snapshots...)
}

// Version returns the current mutation counter of an entity.
func (f *Fake) Version(ref models.EntityRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[ref.Key()]
}

func paramsKey(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]interface{}, 0, len(keys)*2)
	for _, k := range keys {
		ordered = append(ordered, k, params[k])
	}
	raw, _ := json.Marshal(ordered)
	return string(raw)
}

func defaultResult(actionID string, params map[string]interface{}) capability.Result {
	pid, _ := params["propertyId"].(string)
	property := models.EntityRef{Type: models.EntityProperty, ID: pid}
	switch actionID {
	case capability.ActionResolveProperty:
		id, _ := params["identifier"].(string)
		return capability.Result{
			Output:   map[string]interface{}{"propertyId": id, "address": "unknown"},
			Summary:  "resolved property " + id,
			Entities: []models.EntityRef{{Type: models.EntityProperty, ID: id}},
		}
	case capability.ActionResolvePropertiesByFilter:
		return capability.Result{Output: map[string]interface{}{"propertyIds": []interface{}{}}, Summary: "no properties matched"}
	case capability.ActionGetPropertyOwner:
		owner := models.EntityRef{Type: models.EntityContact, ID: "owner-" + pid}
		return capability.Result{
			Output:    map[string]interface{}{"contactId": owner.ID, "name": "Owner", "phone": "555-0100"},
			Summary:   "owner is " + owner.ID,
			Entities:  []models.EntityRef{owner},
			Relations: []models.Relation{{From: owner, To: property, Kind: "owner_of"}},
		}
	case capability.ActionCheckContractReadiness:
		return capability.Result{Output: map[string]interface{}{"ready": true, "missingContracts": []interface{}{}}, Summary: "contracts ready"}
	case capability.ActionSummarizeNextActions:
		return capability.Result{Output: map[string]interface{}{"summary": "nothing pending", "actions": []interface{}{}}, Summary: "nothing pending"}
	case capability.ActionMakePhoneCall:
		contact, _ := params["contactId"].(string)
		call := models.EntityRef{Type: models.EntityCall, ID: "call-" + contact}
		return capability.Result{Output: map[string]interface{}{"callId": call.ID, "status": "completed"}, Summary: "call placed", Entities: []models.EntityRef{call}}
	}
	res := capability.Result{Output: map[string]interface{}{}, Summary: actionID + " ok"}
	if pid != "" {
		res.Entities = []models.EntityRef{property}
	}
	return res
}
