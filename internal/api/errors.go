package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"github.com/fruitsalade/bundleproxy/internal/addrspace"
	"github.com/fruitsalade/bundleproxy/internal/bundle"
	"github.com/fruitsalade/bundleproxy/internal/logging"
	"github.com/fruitsalade/bundleproxy/pkg/protocol"
)

// errBadParameter marks malformed query parameters.
var errBadParameter = errors.New("invalid parameter")

// statusFor maps an engine error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bundle.ErrInvalidPath), errors.Is(err, errBadParameter):
		return http.StatusBadRequest
	case errors.Is(err, bundle.ErrNoEntryFound), errors.Is(err, addrspace.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bundle.ErrDecodeFailed):
		return http.StatusInternalServerError
	}
	if _, ok := bundle.AsFetchError(err); ok {
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// errorMessage is the short description of an error class.
func errorMessage(err error, code int) string {
	switch {
	case errors.Is(err, bundle.ErrInvalidPath):
		return "invalid bundle path"
	case errors.Is(err, errBadParameter):
		return "invalid parameter"
	case errors.Is(err, bundle.ErrNoEntryFound):
		return "no entry found"
	case errors.Is(err, addrspace.ErrNotFound):
		return "not found"
	case errors.Is(err, bundle.ErrDecodeFailed):
		return "decode failed"
	case code == http.StatusBadGateway:
		return "upstream fetch failed"
	}
	return http.StatusText(code)
}

// upstreamStatus echoes the status of a failed upstream fetch in the
// X-Upstream-Status header and returns it.
func upstreamStatus(w http.ResponseWriter, err error) int {
	fe, ok := bundle.AsFetchError(err)
	if !ok || fe.Status == 0 {
		return 0
	}
	w.Header().Set("X-Upstream-Status", strconv.Itoa(fe.Status))
	return fe.Status
}

func logFailure(r *http.Request, code int, err error) {
	log := logging.WithContext(r.Context())
	if code >= 500 {
		log.Warn("request failed", logging.Int("status", code), logging.Err(err))
		return
	}
	log.Debug("request rejected", logging.Int("status", code), logging.Err(err))
}

// sendErrorFor answers a JSON endpoint with the error mapped to its status.
func (s *Server) sendErrorFor(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	logFailure(r, code, err)
	resp := protocol.ErrorResponse{
		Error:          errorMessage(err, code),
		Code:           code,
		Details:        err.Error(),
		UpstreamStatus: upstreamStatus(w, err),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Error loading game</title></head>
<body>
<h1>Error loading game</h1>
<p>{{.Message}}</p>
{{if .Upstream}}<p>Upstream status: {{.Upstream}}</p>
{{end}}<pre>{{.Cause}}</pre>
{{if .RequestID}}<p><small>Request ID: {{.RequestID}}</small></p>
{{end}}</body>
</html>
`))

// sendErrorPage answers a play endpoint with an HTML error document.
func (s *Server) sendErrorPage(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	logFailure(r, code, err)
	upstream := upstreamStatus(w, err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	errorPage.Execute(w, struct {
		Message   string
		Upstream  int
		Cause     string
		RequestID string
	}{
		Message:   "The game could not be loaded: " + errorMessage(err, code) + ".",
		Upstream:  upstream,
		Cause:     err.Error(),
		RequestID: logging.RequestID(r.Context()),
	})
}
