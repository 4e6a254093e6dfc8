package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddlewareTraceId(t *testing.T) {
	var seen bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = nil != GetObservability(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})
	hdlr := Middleware{TraceIdHeader: "X-Trace-Id"}.Wrap(next)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set("X-Trace-Id", "trace-1")
	rec := httptest.NewRecorder()
	hdlr.ServeHTTP(rec, req)

	if !seen {
		t.Error("handler context does not carry Observability")
	}
	if http.StatusTeapot != rec.Code {
		t.Errorf("failed status control, %d != %d", rec.Code, http.StatusTeapot)
	}
	if "trace-1" != rec.Header().Get("X-Trace-Id") {
		t.Errorf("failed trace id control, got %q", rec.Header().Get("X-Trace-Id"))
	}
}

func TestMiddlewareGeneratesTraceId(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	hdlr := Middleware{TraceIdHeader: "X-Trace-Id"}.Wrap(next)

	rec := httptest.NewRecorder()
	hdlr.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if 36 != len(rec.Header().Get("X-Trace-Id")) {
		t.Errorf("expected uuid trace id, got %q", rec.Header().Get("X-Trace-Id"))
	}
}
