package hwharness

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"w65test/internal/transport"
)

func newHandler(open func() (*transport.Transport, func(), error)) *Handler {
	return &Handler{OpenHandshaken: open}
}

func failOpen() (*transport.Transport, func(), error) {
	return nil, nil, errors.New("no hardware attached")
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	h := newHandler(failOpen)
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 405 {
		t.Errorf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "POST" {
		t.Errorf("Allow header = %q, want POST", got)
	}
}

func TestServeHTTPRejectsMissingContentLength(t *testing.T) {
	h := newHandler(failOpen)
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 411 {
		t.Errorf("status = %d, want 411", rec.Code)
	}
}

func TestServeHTTPRejectsOversizeBody(t *testing.T) {
	h := newHandler(failOpen)
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	req.ContentLength = 2_000_001
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 413 {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestServeHTTPRejectsUnparseableJob(t *testing.T) {
	h := newHandler(failOpen)
	req := httptest.NewRequest("POST", "/", strings.NewReader(`not json`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 400 {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected parser error message in body")
	}
}

func TestServeHTTPReportsTransportFailureAs500(t *testing.T) {
	h := newHandler(failOpen)
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != 500 {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
