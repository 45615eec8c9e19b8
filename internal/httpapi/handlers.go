package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/export"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/reconcile"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	// multipart framing on top of the audio itself
	multipartOverhead = 1 << 20
	maxJSONBody       = 10 << 20
)

type exportRequest struct {
	Content   []string `json:"content"`
	AgentType string   `json:"agentType"`
	Timestamp string   `json:"timestamp"`
}

type exportResponse struct {
	Success   bool      `json:"success"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Profile   string    `json:"agentType"`
	Timestamp time.Time `json:"timestamp"`
}

type feedbackRequest struct {
	Timestamp   string            `json:"timestamp"`
	Original    categorize.Result `json:"original"`
	UserChoices map[string]string `json:"userChoices"`
}

type feedbackResponse struct {
	Success   bool      `json:"success"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

type reconcileRequest struct {
	Original    categorize.Result `json:"original"`
	UserChoices map[string]string `json:"userChoices"`
}

type reconcileResponse struct {
	Approved  []string `json:"approved"`
	Undecided []string `json:"undecided"`
}

type decisionsRequest struct {
	UserChoices map[string]string `json:"userChoices"`
	AgentType   string            `json:"agentType,omitempty"`
}

type decisionsResponse struct {
	SessionID string            `json:"sessionId"`
	Approved  []string          `json:"approved"`
	Undecided []string          `json:"undecided"`
	Feedback  feedbackResponse  `json:"feedback"`
	Export    *exportResponse   `json:"export,omitempty"`
	Choices   map[string]string `json:"userChoices"`
}

type sessionResponse struct {
	SessionID  string             `json:"sessionId"`
	State      string             `json:"state"`
	Transcript string             `json:"transcript,omitempty"`
	Result     *categorize.Result `json:"result,omitempty"`
	Approved   []string           `json:"approved,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

type eventResponse struct {
	Type      string          `json:"type"`
	State     string          `json:"state,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.orch.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	audio, hint, err := readAudio(r, limit)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	cat, err := s.orch.Submit(r.Context(), audio, hint)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.CategorizedPayload{
		SessionID:  cat.SessionID,
		Transcript: cat.Transcript,
		Important:  cat.Result.Important,
		Noise:      cat.Result.Noise,
		Uncertain:  cat.Result.Uncertain,
		Timestamp:  cat.Timestamp,
	})
}

// readAudio accepts a multipart form with an "audio" file, or a raw body.
// The format hint comes from the "format" field or query parameter, then
// from the content type.
func readAudio(r *http.Request, limit int64) ([]byte, string, error) {
	hint := r.URL.Query().Get("format")
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		mr, err := r.MultipartReader()
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", errBadRequest, err)
		}
		var audio []byte
		found := false
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, "", wrapReadErr(err)
			}
			switch part.FormName() {
			case "audio", "file":
				data, err := readLimited(part, limit)
				part.Close()
				if err != nil {
					return nil, "", err
				}
				audio, found = data, true
				if hint == "" {
					hint = part.Header.Get("Content-Type")
				}
			case "format":
				v, _ := io.ReadAll(io.LimitReader(part, 256))
				part.Close()
				if s := strings.TrimSpace(string(v)); s != "" {
					hint = s
				}
			default:
				part.Close()
			}
		}
		if !found {
			return nil, "", fmt.Errorf("%w: no audio file uploaded", errBadRequest)
		}
		return audio, hint, nil
	}

	audio, err := readLimited(r.Body, limit)
	if err != nil {
		return nil, "", err
	}
	if hint == "" {
		hint = mediaType
	}
	return audio, hint, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, wrapReadErr(err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", session.ErrUploadTooLarge, limit)
	}
	return data, nil
}

func wrapReadErr(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fmt.Errorf("%w: %w", session.ErrUploadTooLarge, err)
	}
	return fmt.Errorf("%w: %w", errBadRequest, err)
}

var errBadRequest = errors.New("bad request")

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "File too large", err.Error())
	case errors.Is(err, session.ErrEmptyUpload), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, "No audio file uploaded", err.Error())
	case errors.Is(err, stt.ErrTranscription):
		writeError(w, http.StatusBadGateway, "Transcription failed", err.Error())
	default:
		s.logger.Error("upload failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Processing failed", err.Error())
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid export request", err.Error())
		return
	}
	profile := s.parseProfile(req.AgentType)

	out, err := s.orch.Export(r.Context(), "", req.Content, profile, parseTimestamp(req.Timestamp))
	if err != nil {
		s.writeExportError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toExportResponse(out))
}

func (s *Server) writeExportError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, export.ErrValidation):
		writeError(w, http.StatusBadRequest, "No content to export", err.Error())
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found", err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Session not ready for export", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Failed to save export", err.Error())
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid feedback request", err.Error())
		return
	}
	ts := parseTimestamp(req.Timestamp)
	if ts.IsZero() {
		ts = time.Now()
	}
	record := reconcile.NewFeedbackRecord(normalizeResult(req.Original), toDecisions(req.UserChoices), ts)
	saved := s.orch.SaveFeedback(r.Context(), record)
	writeJSON(w, http.StatusOK, feedbackResponse{Success: true, Filename: saved.Filename, Timestamp: saved.Timestamp})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reconcile request", err.Error())
		return
	}
	outcome := reconcile.Reconcile(normalizeResult(req.Original), toDecisions(req.UserChoices), time.Now())
	writeJSON(w, http.StatusOK, reconcileResponse{Approved: outcome.Approved, Undecided: outcome.Undecided})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decisionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid decisions request", err.Error())
		return
	}

	decided, err := s.orch.Decide(r.Context(), id, toDecisions(req.UserChoices))
	if err != nil {
		s.writeExportError(w, err)
		return
	}
	resp := decisionsResponse{
		SessionID: id,
		Approved:  decided.Outcome.Approved,
		Undecided: decided.Outcome.Undecided,
		Feedback: feedbackResponse{
			Success:   true,
			Filename:  decided.Feedback.Filename,
			Timestamp: decided.Feedback.Timestamp,
		},
		Choices: fromDecisions(decided.Outcome.Feedback.UserChoices),
	}
	if req.AgentType != "" {
		out, err := s.orch.ExportSession(r.Context(), id, s.parseProfile(req.AgentType))
		if err != nil {
			s.writeExportError(w, err)
			return
		}
		er := toExportResponse(out)
		resp.Export = &er
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found", err.Error())
		return
	}
	resp := sessionResponse{
		SessionID:  sess.ID,
		State:      string(sess.State),
		Transcript: sess.Transcript,
		Error:      sess.Err,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
	if sess.Result.Len() > 0 {
		res := sess.Result
		resp.Result = &res
	}
	if sess.Outcome != nil {
		resp.Approved = sess.Outcome.Approved
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Abandon(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "Session not found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.orch.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.logger.Error("list session events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Failed to load session events", err.Error())
		return
	}
	resp := make([]eventResponse, 0, len(history))
	for _, e := range history {
		resp = append(resp, eventResponse{
			Type:      e.Type,
			State:     e.State,
			Payload:   json.RawMessage(e.Payload),
			Timestamp: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parseProfile(agentType string) export.Profile {
	if strings.TrimSpace(agentType) == "" {
		return export.ProfileDefault
	}
	profile, ok := export.ParseProfile(agentType)
	if !ok {
		s.logger.Warn("unknown export profile, using default", slog.String("agent_type", agentType))
	}
	return profile
}

func toExportResponse(out session.Exported) exportResponse {
	return exportResponse{
		Success:   true,
		Filename:  out.Filename,
		Path:      out.Path,
		Profile:   string(out.Profile),
		Timestamp: out.Timestamp,
	}
}

func toDecisions(choices map[string]string) reconcile.Decisions {
	d := make(reconcile.Decisions, len(choices))
	for k, v := range choices {
		d[k] = categorize.Label(v)
	}
	return d
}

func fromDecisions(d reconcile.Decisions) map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = string(v)
	}
	return out
}

func normalizeResult(r categorize.Result) categorize.Result {
	if r.Important == nil {
		r.Important = []string{}
	}
	if r.Noise == nil {
		r.Noise = []string{}
	}
	if r.Uncertain == nil {
		r.Uncertain = []string{}
	}
	return r
}

// parseTimestamp returns the zero time for empty or unparsable input.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, protocol.ErrorPayload{Error: message, Details: details})
}
