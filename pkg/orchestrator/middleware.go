package orchestrator

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/cuemby/bastion/pkg/types"
	"github.com/google/uuid"
)

// Authenticator is the external authentication collaborator: it turns an
// inbound request into a verified subject identity with roles and
// attributes. Authentication itself is out of the pipeline's scope.
type Authenticator interface {
	Authenticate(r *http.Request) (subject string, roles []string, attrs map[string]types.AttrValue, err error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface
type AuthenticatorFunc func(r *http.Request) (string, []string, map[string]types.AttrValue, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, []string, map[string]types.AttrValue, error) {
	return f(r)
}

// actionForMethod maps HTTP methods onto resource actions
var actionForMethod = map[string]string{
	http.MethodGet:    "read",
	http.MethodHead:   "read",
	http.MethodPost:   "create",
	http.MethodPut:    "update",
	http.MethodPatch:  "update",
	http.MethodDelete: "delete",
}

// Middleware wraps a handler with the full security pipeline. Denials get a
// generic error body carrying only the correlation id.
func (o *Orchestrator) Middleware(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &Request{
			CorrelationID: uuid.New().String(),
			Resource:      r.URL.Path,
			Action:        actionFor(r.Method),
			Source:        sourceAddr(r),
		}

		if r.TLS != nil {
			req.PeerChain = r.TLS.PeerCertificates
		}

		if auth != nil {
			subject, roles, attrs, err := auth.Authenticate(r)
			if err != nil {
				o.emit(req, types.EventAuthFailure, types.SeverityWarning, map[string]string{
					"error": err.Error(),
				})
				writeDenial(w, http.StatusUnauthorized, req.CorrelationID)
				return
			}
			req.Subject = subject
			req.Roles = roles
			req.SubjectAttrs = attrs
			o.emit(req, types.EventAuthSuccess, types.SeverityInfo, nil)
		}

		result := o.Authorize(r.Context(), req)
		if !result.Allowed {
			writeDenial(w, http.StatusForbidden, result.CorrelationID)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func actionFor(method string) string {
	if action, ok := actionForMethod[method]; ok {
		return action
	}
	return "invoke"
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeDenial(w http.ResponseWriter, status int, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":          genericDenialReason,
		"correlation_id": correlationID,
	})
}
