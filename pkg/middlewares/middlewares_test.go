package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

func router(mws ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(mws...)

	r.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		logging.Logger(r.Context()).Info("handled")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	})
	r.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	r.HandleFunc("/abort", func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	return r
}

func TestLoggingSetsRequestID(t *testing.T) {
	r := router(NewLoggingMw(true))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("code %d", rec.Code)
	}
	if id := rec.Header().Get(RequestIDHeader); len(id) != 36 {
		t.Errorf("request id = %q", id)
	}
}

func TestLoggingReusesCallerRequestID(t *testing.T) {
	tests := []struct {
		in    string
		reuse bool
	}{
		{"abc-123", true},
		{"ab", false},
		{"bad id!", false},
	}

	r := router(NewLoggingMw(false))
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(RequestIDHeader, tc.in)

		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		got := rec.Header().Get(RequestIDHeader)
		if (got == tc.in) != tc.reuse {
			t.Errorf("%q: response id %q", tc.in, got)
		}
	}
}

func TestCorrelation(t *testing.T) {
	r := router(NewCorrelationMw("X-Correlation-Id"))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Correlation-Id", "job_42")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "job_42" {
		t.Errorf("echoed %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("X-Correlation-Id", "<script>")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "<Bad_Correlation_Id>" {
		t.Errorf("echoed %q", got)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if _, ok := rec.Header()["X-Correlation-Id"]; ok {
		t.Error("header set without a request header")
	}
}

func TestRecovery(t *testing.T) {
	r := router(NewLoggingMw(false), NewRecoveryMw())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("code %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type %q", ct)
	}
	if body := rec.Body.String(); body != `{"code":500,"message":"internal error"}` {
		t.Errorf("body %s", body)
	}
}

func TestRecoveryPassesAbortHandler(t *testing.T) {
	r := router(NewRecoveryMw())

	defer func() {
		if p := recover(); p != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", p)
		}
	}()

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/abort", nil))
	t.Error("ErrAbortHandler was swallowed")
}

func TestCors(t *testing.T) {
	r := router(NewCorsMw(CorsOptions([]string{"https://ha.example"})))

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "https://ha.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ha.example" {
		t.Errorf("allowed origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allowed origin %q", got)
	}
}
