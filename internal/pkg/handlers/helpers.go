package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	openapierrors "github.com/go-openapi/errors"
	"github.com/go-openapi/runtime/middleware/header"
	"github.com/go-openapi/strfmt"

	"github.com/jake-scott/net2-doors/internal/pkg/logging"
)

// For request validation routines
var formats strfmt.Registry

func init() {
	// Default validators
	formats = strfmt.NewFormats()
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Header.Get("Content-Type") != "" {
		value, _ := header.ParseValueAndParams(r.Header, "Content-Type")
		if value != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", value)
		}
	}

	// 16kb max body
	reader := http.MaxBytesReader(w, r.Body, 16*1024)
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}

func sendJSONResponse(w http.ResponseWriter, r *http.Request, status int, d interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		logging.Logger(r.Context()).WithError(err).Error("sending json response")
	}
}

func sendError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	sendJSONResponse(w, r, status, ErrorResponse{Code: status, Message: msg})
}

// sendValidationError reports a go-openapi validation failure with the
// status code it carries, 422 in practice
func sendValidationError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusUnprocessableEntity
	if e, ok := err.(openapierrors.Error); ok && e.Code() >= 400 && e.Code() < 600 {
		status = int(e.Code())
	}

	sendError(w, r, status, err.Error())
}
