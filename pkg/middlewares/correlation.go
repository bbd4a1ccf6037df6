package middlewares

import (
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
)

var correlationIDRegexp = regexp.MustCompile(`^[\w-]{3,64}$`)

func validID(id string) (string, bool) {
	if id != "" && correlationIDRegexp.MatchString(id) {
		return id, true
	}
	return "", false
}

type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewCorrelation(headerName, next)
	}
}

func NewCorrelation(headerName string, next http.Handler) *CorrelationMw {
	return &CorrelationMw{headerName: headerName, next: next}
}

func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	// Echo the caller's correlation header on the response
	id, ok := mw.validateID(r)
	if ok {
		rw.Header().Set(mw.headerName, id)
	}

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) validateID(r *http.Request) (string, bool) {
	hn := http.CanonicalHeaderKey(mw.headerName)
	ids, ok := r.Header[hn]
	if !ok {
		return "", false
	}

	if id, ok := validID(ids[0]); ok {
		return id, true
	}

	return "<Bad_Correlation_Id>", true
}
