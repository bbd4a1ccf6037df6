package middlewares

import (
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
	"github.com/jake-scott/net2-doors/internal/pkg/metrics"
)

// RecoveryMw answers 500 for a panicking handler.  http.ErrAbortHandler is
// passed on to net/http untouched.
type RecoveryMw struct {
	next http.Handler
}

func NewRecoveryMw() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewRecovery(next)
	}
}

func NewRecovery(next http.Handler) *RecoveryMw {
	return &RecoveryMw{next: next}
}

func (mw *RecoveryMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		if p == http.ErrAbortHandler {
			panic(p)
		}

		logging.Logger(r.Context()).WithField("path", r.URL.Path).
			Errorf("API handler panicked: %v\n%s", p, debug.Stack())
		metrics.HTTPRequests.WithLabelValues(r.Method, "panic").Inc()

		sendPanicResponse(rw)
	}()

	mw.next.ServeHTTP(rw, r)
}

func sendPanicResponse(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusInternalServerError)
	rw.Write([]byte(`{"code":500,"message":"internal error"}`))
}
