package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/schema"
)

// method returns a handler that extracts auth, decodes params (query string
// for GET and DELETE, coerced through the method's registered schema; JSON
// body otherwise), calls methodID, and writes the resulting envelope.
func (s *Server) method(methodID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := r.PathValue("username")
		token, callerID := extractAuth(r)

		params, err := s.decodeParams(r, methodID)
		if err != nil {
			writeEnvelope(w, dispatch.Envelope{Error: err})
			return
		}
		if id := r.PathValue("id"); id != "" {
			params["id"] = id
		}

		env := s.reg.Call(r.Context(), methodID, username, token, callerID, params)
		writeEnvelope(w, env)
	}
}

// decodeParams builds the call's params map: coerced query string for GET
// and DELETE, JSON body (when present) for the other verbs, per spec.md §4.6.
func (s *Server) decodeParams(r *http.Request, methodID string) (map[string]any, *apperror.Error) {
	resource, action := methodResourceAction(methodID)

	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		d := schema.Lookup(resource, action)
		return schema.Coerce(d, r.URL.Query()), nil
	}

	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") && !strings.Contains(ct, "json") {
		if strings.HasPrefix(ct, "multipart/form-data") {
			return map[string]any{}, nil // handled by the dedicated multipart handlers
		}
	}

	if r.ContentLength == 0 {
		return map[string]any{}, nil
	}

	var params map[string]any
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		return nil, apperror.New(apperror.KindInvalidRequestStructure, "malformed JSON body: "+err.Error())
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

// methodResourceAction maps a methodId back to its ("resource", action) pair
// for schema lookup, mirroring the Resource/Action fields of the registered
// dispatch.Method (duplicated here since C11 decodes params before the
// registry resolves the Method).
func methodResourceAction(methodID string) (string, schema.Action) {
	parts := strings.SplitN(methodID, ".", 2)
	resource := parts[0]
	verb := ""
	if len(parts) == 2 {
		verb = parts[1]
	}
	switch verb {
	case "get", "getOne":
		return resource, schema.Read
	case "create":
		return resource, schema.Create
	case "update":
		return resource, schema.Update
	case "delete":
		return resource, schema.Delete
	default:
		return resource, schema.Action(verb)
	}
}

// extractAuth resolves the bearer token and optional caller id from (in
// order) the Authorization header, the "auth" query parameter, and HTTP
// Basic auth (username field treated as the token), per spec.md §4.8. The
// custom-auth-step trailing authority ("<token> <callerId>") is split off
// the header form when present.
func extractAuth(r *http.Request) (token, callerID string) {
	if h := r.Header.Get("Authorization"); h != "" && !strings.HasPrefix(h, "Basic ") {
		fields := strings.Fields(h)
		switch len(fields) {
		case 1:
			return fields[0], r.Header.Get("Callerid")
		case 2:
			return fields[0], fields[1]
		}
	}
	if v := r.URL.Query().Get("auth"); v != "" {
		return v, r.Header.Get("Callerid")
	}
	if user, _, ok := r.BasicAuth(); ok {
		return user, r.Header.Get("Callerid")
	}
	return "", ""
}

func nowMeta() dispatch.Meta {
	return dispatch.Meta{APIVersion: dispatch.APIVersion, ServerTime: float64(time.Now().UnixNano()) / 1e9, Serial: dispatch.Serial}
}

// writeEnvelope serializes env per spec.md §6: the result keys flattened
// alongside meta on success, {error, meta} on failure.
func writeEnvelope(w http.ResponseWriter, env dispatch.Envelope) {
	meta := env.Meta
	if meta.APIVersion == "" {
		meta = nowMeta()
	}

	if env.Error != nil {
		httpResponseJSON(w, map[string]any{"error": env.Error, "meta": meta}, env.Error.Kind().HTTPStatus())
		return
	}

	body := make(map[string]any, len(env.Result)+1)
	for k, v := range env.Result {
		body[k] = v
	}
	body["meta"] = meta
	httpResponseJSON(w, body, http.StatusOK)
}

// writeEnvelopeCreated is writeEnvelope but with 201 Created on success, for
// the create-action routes of spec.md §6.
func writeEnvelopeCreated(w http.ResponseWriter, env dispatch.Envelope) {
	if env.Error != nil {
		writeEnvelope(w, env)
		return
	}
	meta := env.Meta
	if meta.APIVersion == "" {
		meta = nowMeta()
	}
	body := make(map[string]any, len(env.Result)+1)
	for k, v := range env.Result {
		body[k] = v
	}
	body["meta"] = meta
	httpResponseJSON(w, body, http.StatusCreated)
}
