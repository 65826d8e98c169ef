package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pryvgo/core/internal/apperror"
	"github.com/pryvgo/core/internal/dispatch"
	"github.com/pryvgo/core/internal/event"
	"github.com/pryvgo/core/internal/model"
)

// eventsGet handles GET /{username}/events: the query string is coerced
// through the events.get schema, per spec.md §4.6.
func (s *Server) eventsGet(w http.ResponseWriter, r *http.Request) {
	s.method("events.get")(w, r)
}

// maxMultipartMemory bounds the in-memory part of a multipart create/add
// request; larger file parts spill to temp files, same as the stdlib default.
const maxMultipartMemory = 32 << 20

// eventsCreate handles POST /{username}/events. A plain JSON body creates an
// event with no attachments; a multipart/form-data body must carry exactly
// one non-file part named "event" holding the event's JSON fields, plus zero
// or more file parts, each becoming an attachment of the newly created
// event (spec.md §4.8).
func (s *Server) eventsCreate(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	token, callerID := extractAuth(r)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		params, perr := s.decodeParams(r, "events.create")
		if perr != nil {
			writeEnvelope(w, dispatch.Envelope{Error: perr})
			return
		}
		env := s.reg.Call(r.Context(), "events.create", username, token, callerID, params)
		writeEnvelopeCreated(w, env)
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "malformed multipart body: "+err.Error())})
		return
	}
	defer r.MultipartForm.RemoveAll()

	eventParts := r.MultipartForm.Value["event"]
	if len(eventParts) != 1 || len(r.MultipartForm.Value) != 1 {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, `multipart request must carry exactly one JSON part named "event"`)})
		return
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(eventParts[0]), &params); err != nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "event part is not valid JSON: "+err.Error())})
		return
	}

	env := s.reg.Call(r.Context(), "events.create", username, token, callerID, params)
	if env.Error != nil {
		writeEnvelope(w, env)
		return
	}

	created, _ := env.Result["event"].(*model.Event)
	var fileHeaders []*multipart.FileHeader
	for _, headers := range r.MultipartForm.File {
		fileHeaders = append(fileHeaders, headers...)
	}
	if created == nil || len(fileHeaders) == 0 {
		writeEnvelopeCreated(w, env)
		return
	}

	for _, fh := range fileHeaders {
		attachEnv := s.storeAttachment(r, username, token, callerID, created.ID, fh)
		if attachEnv.Error != nil {
			writeEnvelopeCreated(w, attachEnv)
			return
		}
		env = attachEnv
	}
	writeEnvelopeCreated(w, env)
}

// eventsAddAttachment handles POST /{username}/events/{id}: a multipart
// request whose file parts each become one attachment of the existing
// event, per spec.md §4.5.
func (s *Server) eventsAddAttachment(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	id := r.PathValue("id")
	token, callerID := extractAuth(r)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindUnsupportedContentType, "expected multipart/form-data")})
		return
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "malformed multipart body: "+err.Error())})
		return
	}
	defer r.MultipartForm.RemoveAll()

	var fileHeaders []*multipart.FileHeader
	for _, headers := range r.MultipartForm.File {
		fileHeaders = append(fileHeaders, headers...)
	}
	if len(fileHeaders) == 0 {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "no file part found")})
		return
	}

	var env dispatch.Envelope
	for _, fh := range fileHeaders {
		env = s.storeAttachment(r, username, token, callerID, id, fh)
		if env.Error != nil {
			break
		}
	}
	writeEnvelope(w, env)
}

// storeAttachment writes fh's content into s.blobs under a freshly minted
// attachment id, then records its metadata via events.addAttachment so the
// dispatcher's storageUsed bookkeeping and schema validation stay the single
// source of truth for attachment metadata.
func (s *Server) storeAttachment(r *http.Request, username, token, callerID, eventID string, fh *multipart.FileHeader) dispatch.Envelope {
	f, err := fh.Open()
	if err != nil {
		return dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, "cannot read file part: "+err.Error())}
	}
	defer f.Close()

	attachmentID := event.NewID()
	size, err := s.blobs.Put(r.Context(), username, attachmentID, f)
	if err != nil {
		return dispatch.Envelope{Error: apperror.New(apperror.KindUnexpected, "storing attachment: "+err.Error())}
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	params := map[string]any{
		"id":           eventID,
		"attachmentId": attachmentID,
		"fileName":     fh.Filename,
		"type":         contentType,
		"size":         float64(size),
	}
	return s.reg.Call(r.Context(), "events.addAttachment", username, token, callerID, params)
}

// attachmentGet serves GET /{username}/events/{id}/{fileId}[/{name}]: the
// trailing filename segment, when present, is purely cosmetic. The "auth"
// query parameter is specifically rejected on this route; a read token is
// accepted via ?readToken= instead, per spec.md §4.8.
func (s *Server) attachmentGet(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	id := r.PathValue("id")
	fileID := r.PathValue("fileId")

	q := r.URL.Query()
	if q.Get("auth") != "" {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidRequestStructure, `"auth" query parameter is not accepted on attachment routes; use ?readToken= or an Authorization header`)})
		return
	}

	token, callerID := extractAuth(r)
	readToken := q.Get("readToken")

	var ev *model.Event
	switch {
	case token != "":
		env := s.reg.Call(r.Context(), "events.getOne", username, token, callerID, map[string]any{"id": id})
		if env.Error != nil {
			writeEnvelope(w, env)
			return
		}
		ev, _ = env.Result["event"].(*model.Event)
	case readToken != "":
		resolved, err := s.reg.ResolveAttachmentByReadToken(r.Context(), username, id, fileID, readToken)
		if err != nil {
			writeEnvelope(w, dispatch.Envelope{Error: apperror.As(err)})
			return
		}
		ev = resolved
	default:
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindInvalidAccessToken, "missing access token")})
		return
	}
	if ev == nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindUnknownResource, "event not found")})
		return
	}

	var att *model.Attachment
	for i := range ev.Attachments {
		if ev.Attachments[i].ID == fileID {
			att = &ev.Attachments[i]
			break
		}
	}
	if att == nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindUnknownResource, "attachment not found")})
		return
	}

	rc, err := s.blobs.Open(r.Context(), username, att.ID)
	if err != nil || rc == nil {
		writeEnvelope(w, dispatch.Envelope{Error: apperror.New(apperror.KindUnknownResource, "attachment content not found")})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", att.Type)
	w.Header().Set("Content-Length", strconv.FormatInt(att.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`,
		sanitizeFilename(att.FileName), url.PathEscape(att.FileName)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

func sanitizeFilename(name string) string {
	return strings.ReplaceAll(name, `"`, "_")
}

// eventsDeleteAttachment handles DELETE /{username}/events/{id}/{fileId}:
// unlike the other mutating routes, this one addresses two ids via the URL
// path, so it builds params directly rather than going through the generic
// method() handler, which only ever injects the {id} segment.
func (s *Server) eventsDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	token, callerID := extractAuth(r)

	params := map[string]any{
		"id":           r.PathValue("id"),
		"attachmentId": r.PathValue("fileId"),
	}

	env := s.reg.Call(r.Context(), "events.deleteAttachment", username, token, callerID, params)
	writeEnvelope(w, env)
}
