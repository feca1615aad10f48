package collaborator

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/voiceplanner/internal/capability"
	"github.com/mohammad-safakhou/voiceplanner/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, WithToken("tok"), WithHTTPClient(srv.Client()), WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestInvokeRoutesAndDecodes(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.EscapedPath() != "/properties/p%2F1/notes" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["text"] != "hello" {
			t.Errorf("unexpected body %v %v", body, err)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"output":   map[string]interface{}{"noteId": "n1"},
			"summary":  "note added",
			"entities": []map[string]string{{"type": "note", "id": "n1"}},
		})
	})

	res, err := c.Invoke(context.Background(), capability.ActionAddNote, map[string]interface{}{"propertyId": "p/1", "text": "hello"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output["noteId"] != "n1" || res.Summary != "note added" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Entities) != 1 || res.Entities[0] != (models.EntityRef{Type: models.EntityNote, ID: "n1"}) {
		t.Fatalf("unexpected entities %+v", res.Entities)
	}
}

func TestInvokeClassifiesStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   capability.ErrorKind
	}{
		{http.StatusRequestTimeout, capability.KindTransient},
		{http.StatusTooManyRequests, capability.KindTransient},
		{http.StatusBadGateway, capability.KindTransient},
		{http.StatusBadRequest, capability.KindValidation},
		{http.StatusNotFound, capability.KindValidation},
		{http.StatusUnprocessableEntity, capability.KindValidation},
		{http.StatusConflict, capability.KindConflict},
		{http.StatusForbidden, capability.KindInternal},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		})
		_, err := c.Invoke(context.Background(), capability.ActionEnrichProperty, map[string]interface{}{"propertyId": "p1"})
		if got := capability.KindOf(err); got != tc.kind {
			t.Fatalf("status %d: expected %s, got %s (%v)", tc.status, tc.kind, got, err)
		}
	}
}

func TestInvokeUnknownAction(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	_, err := c.Invoke(context.Background(), "teleport", nil)
	if capability.KindOf(err) != capability.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInvokeNetworkErrorIsTransient(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Invoke(context.Background(), capability.ActionScoreProperty, map[string]interface{}{"propertyId": "p1"})
	if capability.KindOf(err) != capability.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestSnapshotAndRestore(t *testing.T) {
	records := map[string][]byte{"/records/property/p1": []byte(`{"status":"lead"}`)}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			rec, ok := records[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(rec)
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			records[r.URL.Path] = body
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			delete(records, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	ctx := context.Background()
	p1 := models.EntityRef{Type: models.EntityProperty, ID: "p1"}
	p2 := models.EntityRef{Type: models.EntityProperty, ID: "p2"}

	snap, err := c.Snapshot(ctx, p1)
	if err != nil || string(snap) != `{"status":"lead"}` {
		t.Fatalf("unexpected snapshot %q %v", snap, err)
	}
	missing, err := c.Snapshot(ctx, p2)
	if err != nil || missing != nil {
		t.Fatalf("missing record should yield nil snapshot, got %q %v", missing, err)
	}

	records["/records/property/p1"] = []byte(`{"status":"sold"}`)
	if err := c.Restore(ctx, p1, snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if string(records["/records/property/p1"]) != `{"status":"lead"}` {
		t.Fatalf("record not restored: %s", records["/records/property/p1"])
	}

	records["/records/property/p2"] = []byte(`{}`)
	if err := c.Restore(ctx, p2, nil); err != nil {
		t.Fatalf("Restore nil: %v", err)
	}
	if _, ok := records["/records/property/p2"]; ok {
		t.Fatalf("record created after capture should be deleted")
	}
}
