package server

import (
	"encoding/json"
	"net/http"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/dispatch"
)

// batch handles POST /{username}: a JSON array of {method, params} sub-calls
// run sequentially against one shared access, per spec.md §4.9.
func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	token, callerID := extractAuth(r)

	var calls []dispatch.BatchCall
	if err := json.NewDecoder(r.Body).Decode(&calls); err != nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "batch body must be a JSON array of {method, params}: "+err.Error())})
		return
	}

	results := s.reg.CallBatch(r.Context(), username, token, callerID, calls)

	body, _ := json.Marshal(map[string]any{
		"results": results,
		"meta":    nowMeta(),
	})
	httpResponseJSONByte(w, body, http.StatusOK)
}
