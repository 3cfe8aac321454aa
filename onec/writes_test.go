package onec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

// writeRecorder wraps the fake publication and captures write requests.
type writeRecorder struct {
	t *testing.T

	inner        http.Handler
	patchFails   bool
	writtenValue string

	methods []string
	bodies  []map[string]any
}

func (rec *writeRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		// Read-back of a single order: report what was last written.
		if strings.HasPrefix(strings.TrimPrefix(r.URL.Path, "/odata/"), "Orders(guid'") && rec.writtenValue != "" {
			writeJSON(rec.t, w, map[string]any{
				"Ref_Key":         testOrderID,
				"СостояниеЗаказа": rec.writtenValue,
			})
			return
		}
		rec.inner.ServeHTTP(w, r)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		rec.t.Errorf("decode write body: %v", err)
	}
	rec.methods = append(rec.methods, r.Method)
	rec.bodies = append(rec.bodies, body)

	if r.Header.Get("If-Match") != "*" {
		rec.t.Errorf("write without If-Match: * header")
	}
	if rec.patchFails && r.Method == http.MethodPatch {
		http.Error(w, "patch not supported", http.StatusNotImplemented)
		return
	}
	if v, ok := body["СостояниеЗаказа"].(string); ok {
		rec.writtenValue = v
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestSetOrderStatusWritesKeyAndConfirms(t *testing.T) {
	rec := &writeRecorder{t: t, inner: fakeOneC(t)}
	c, _ := newTestClient(t, rec)

	if err := c.SetOrderStatus(context.Background(), testOrderID, "Отгружен"); err != nil {
		t.Fatalf("SetOrderStatus: %v", err)
	}

	if len(rec.bodies) != 1 {
		t.Fatalf("got %d writes, want 1", len(rec.bodies))
	}
	body := rec.bodies[0]
	if body["СостояниеЗаказа"] != testStatusShip {
		t.Errorf("status written as %v, want catalog key %s", body["СостояниеЗаказа"], testStatusShip)
	}
	if body["СостояниеЗаказа_Type"] != "StandardODATA.Catalog_Statuses" {
		t.Errorf("companion type field missing: %v", body)
	}
}

func TestSetOrderStatusFallsBackToMerge(t *testing.T) {
	rec := &writeRecorder{t: t, inner: fakeOneC(t), patchFails: true}
	c, _ := newTestClient(t, rec)

	if err := c.SetOrderStatus(context.Background(), testOrderID, "На сборке"); err != nil {
		t.Fatalf("SetOrderStatus: %v", err)
	}
	if len(rec.methods) != 2 || rec.methods[0] != http.MethodPatch || rec.methods[1] != "MERGE" {
		t.Fatalf("methods = %v, want PATCH then MERGE", rec.methods)
	}
}

func TestSetOrderStatusUnknownLabel(t *testing.T) {
	rec := &writeRecorder{t: t, inner: fakeOneC(t)}
	c, _ := newTestClient(t, rec)

	err := c.SetOrderStatus(context.Background(), testOrderID, "Несуществующий")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v, want unknown-label failure", err)
	}
	if len(rec.bodies) != 0 {
		t.Fatalf("no write should reach the server, got %v", rec.bodies)
	}
}

func TestSetOrderComment(t *testing.T) {
	rec := &writeRecorder{t: t, inner: fakeOneC(t)}
	c, _ := newTestClient(t, rec)

	if err := c.SetOrderComment(context.Background(), testOrderID, "новый комментарий"); err != nil {
		t.Fatalf("SetOrderComment: %v", err)
	}
	if len(rec.bodies) != 1 || rec.bodies[0]["Комментарий"] != "новый комментарий" {
		t.Fatalf("bodies = %v", rec.bodies)
	}
}

func TestWriteLineProgress(t *testing.T) {
	var gotPath string
	rec := &writeRecorder{t: t, inner: fakeOneC(t)}
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			gotPath = r.URL.Path
		}
		rec.ServeHTTP(w, r)
	}))

	if err := c.WriteLineProgress(context.Background(), testOrderID, "1", testItemKey, 3.5); err != nil {
		t.Fatalf("WriteLineProgress: %v", err)
	}
	wantPath := "/odata/OrderLines(Ref_Key=guid'" + testOrderID + "',LineNumber=1)"
	if gotPath != wantPath {
		t.Errorf("path = %q, want %q", gotPath, wantPath)
	}
	if len(rec.bodies) != 1 || rec.bodies[0]["КоличествоСобрано"] != 3.5 {
		t.Errorf("bodies = %v", rec.bodies)
	}
}

func TestWriteLineProgressSkipsUnaddressableLine(t *testing.T) {
	rec := &writeRecorder{t: t, inner: fakeOneC(t)}
	c, _ := newTestClient(t, rec)

	// Prime the field guess so the skip happens without further traffic.
	c.ensureFieldGuess(context.Background())

	if err := c.WriteLineProgress(context.Background(), testOrderID, "", testItemKey, 1); err != nil {
		t.Fatalf("empty line id: %v", err)
	}
	if err := c.WriteLineProgress(context.Background(), testOrderID, "abc", testItemKey, 1); err != nil {
		t.Fatalf("non-numeric line id: %v", err)
	}
	if len(rec.bodies) != 0 {
		t.Fatalf("no write should reach the server, got %v", rec.bodies)
	}
}

func TestSetOrderStatusNoField(t *testing.T) {
	c := discoveryClient()
	c.guess = &fieldGuess{}
	c.statuses = newStatusCatalog()

	err := c.SetOrderStatus(context.Background(), testOrderID, "Собран")
	if !errors.Is(err, ErrNoStatusField) {
		t.Fatalf("err = %v, want ErrNoStatusField", err)
	}
}
