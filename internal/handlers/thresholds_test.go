package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/optorch/internal/interfaces"
	"github.com/ternarybob/optorch/internal/services/kv"
	"github.com/ternarybob/optorch/internal/thresholds"
)

type fakeThresholdStorage struct {
	rows map[string]string
}

func newFakeThresholdStorage() *fakeThresholdStorage {
	return &fakeThresholdStorage{rows: map[string]string{}}
}

func (f *fakeThresholdStorage) Get(ctx context.Context, key string) (string, error) {
	v, ok := f.rows[key]
	if !ok {
		return "", interfaces.ErrKeyNotFound
	}
	return v, nil
}
func (f *fakeThresholdStorage) GetPair(ctx context.Context, key string) (*interfaces.KeyValuePair, error) {
	v, ok := f.rows[key]
	if !ok {
		return nil, interfaces.ErrKeyNotFound
	}
	return &interfaces.KeyValuePair{Key: key, Value: v}, nil
}
func (f *fakeThresholdStorage) Set(ctx context.Context, key, value, description string) error {
	f.rows[key] = value
	return nil
}
func (f *fakeThresholdStorage) Upsert(ctx context.Context, key, value, description string) (bool, error) {
	_, existed := f.rows[key]
	return !existed, f.Set(ctx, key, value, description)
}
func (f *fakeThresholdStorage) Delete(ctx context.Context, key string) error {
	delete(f.rows, key)
	return nil
}
func (f *fakeThresholdStorage) DeleteAll(ctx context.Context) error {
	f.rows = map[string]string{}
	return nil
}
func (f *fakeThresholdStorage) List(ctx context.Context) ([]interfaces.KeyValuePair, error) {
	var out []interfaces.KeyValuePair
	for k, v := range f.rows {
		out = append(out, interfaces.KeyValuePair{Key: k, Value: v})
	}
	return out, nil
}
func (f *fakeThresholdStorage) GetAll(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(f.rows))
	for k, v := range f.rows {
		out[k] = v
	}
	return out, nil
}
func (f *fakeThresholdStorage) ListByPrefix(ctx context.Context, prefix string) ([]interfaces.KeyValuePair, error) {
	return nil, nil
}

func newTestThresholdsHandler(storage *fakeThresholdStorage) *ThresholdsHandler {
	return NewThresholdsHandler(kv.NewService(storage, nil, arbor.NewLogger()), arbor.NewLogger())
}

func TestThresholdsHandler_List_ReturnsKnownNamesWithEmptyDefaults(t *testing.T) {
	storage := newFakeThresholdStorage()
	storage.rows[thresholds.Prefix()+"batch_size"] = "25"
	h := newTestThresholdsHandler(storage)

	req := httptest.NewRequest(http.MethodGet, "/api/thresholds", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var out map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if out["batch_size"] != "25" {
		t.Errorf("expected batch_size 25, got %q", out["batch_size"])
	}
	if _, ok := out["score_threshold"]; !ok {
		t.Errorf("expected score_threshold present with empty value, got missing")
	}
	if len(out) != len(thresholds.Names()) {
		t.Errorf("expected %d entries, got %d", len(thresholds.Names()), len(out))
	}
}

func TestThresholdsHandler_List_RejectsNonGet(t *testing.T) {
	h := newTestThresholdsHandler(newFakeThresholdStorage())

	req := httptest.NewRequest(http.MethodPost, "/api/thresholds", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestThresholdsHandler_Set_WritesKnownName(t *testing.T) {
	storage := newFakeThresholdStorage()
	h := newTestThresholdsHandler(storage)

	body := strings.NewReader(`{"value":"0.95"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/thresholds/score_threshold", body)
	rec := httptest.NewRecorder()
	h.Set(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if storage.rows[thresholds.Prefix()+"score_threshold"] != "0.95" {
		t.Errorf("expected row written, got %q", storage.rows[thresholds.Prefix()+"score_threshold"])
	}
}

func TestThresholdsHandler_Set_RejectsUnknownName(t *testing.T) {
	storage := newFakeThresholdStorage()
	h := newTestThresholdsHandler(storage)

	body := strings.NewReader(`{"value":"1"}`)
	req := httptest.NewRequest(http.MethodPut, "/api/thresholds/not_a_real_setting", body)
	rec := httptest.NewRecorder()
	h.Set(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if len(storage.rows) != 0 {
		t.Errorf("expected no row written for unknown name, got %v", storage.rows)
	}
}

func TestThresholdsHandler_Set_RejectsMalformedBody(t *testing.T) {
	storage := newFakeThresholdStorage()
	h := newTestThresholdsHandler(storage)

	body := strings.NewReader(`not json`)
	req := httptest.NewRequest(http.MethodPut, "/api/thresholds/score_threshold", body)
	rec := httptest.NewRecorder()
	h.Set(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
