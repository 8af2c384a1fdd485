package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tripwire/envtap/internal/inject"
)

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	srv := NewServer(nil, inject.Options{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	srv.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandlePeek_RejectsMalformedBody(t *testing.T) {
	srv := NewServer(nil, inject.Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()

	srv.handlePeek(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePeek_RejectsMissingVar(t *testing.T) {
	srv := NewServer(nil, inject.Options{})
	body, _ := json.Marshal(map[string]any{"pid": 1234})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handlePeek(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePeek_RejectsNonPositivePID(t *testing.T) {
	srv := NewServer(nil, inject.Options{})
	body, _ := json.Marshal(map[string]any{"pid": 0, "var": "FOO"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handlePeek(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandlePeek_SuccessValue(t *testing.T) {
	stub := func(ctx context.Context, pid int, variable string, opts inject.Options) (string, bool, error) {
		return "/usr/bin", true, nil
	}
	srv := NewServer(stub, inject.Options{})
	body, _ := json.Marshal(map[string]any{"pid": 42, "var": "PATH"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handlePeek(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp peekResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !resp.Set || resp.Value != "/usr/bin" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHandlePeek_SuccessUnset(t *testing.T) {
	stub := func(ctx context.Context, pid int, variable string, opts inject.Options) (string, bool, error) {
		return "", false, nil
	}
	srv := NewServer(stub, inject.Options{})
	body, _ := json.Marshal(map[string]any{"pid": 42, "var": "NOPE"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	srv.handlePeek(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp peekResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Set {
		t.Errorf("resp.Set = true, want false")
	}
}

func TestHandlePeek_ErrorKindMapsToStatus(t *testing.T) {
	cases := []struct {
		kind inject.Kind
		want int
	}{
		{inject.KindBadArgs, http.StatusBadRequest},
		{inject.KindPermissionDenied, http.StatusForbidden},
		{inject.KindRangeOverflow, http.StatusUnprocessableEntity},
		{inject.KindKernelRefused, http.StatusInternalServerError},
		{inject.KindLibraryNotFound, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		kind := tc.kind
		stub := func(ctx context.Context, pid int, variable string, opts inject.Options) (string, bool, error) {
			return "", false, &inject.Error{Kind: kind, Err: errTest}
		}
		srv := NewServer(stub, inject.Options{})
		body, _ := json.Marshal(map[string]any{"pid": 42, "var": "X"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/peek", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		srv.handlePeek(rec, req)

		if rec.Code != tc.want {
			t.Errorf("kind %s: status = %d, want %d", kind, rec.Code, tc.want)
		}
	}
}

var errTest = testErr("boom")

type testErr string

func (e testErr) Error() string { return string(e) }
