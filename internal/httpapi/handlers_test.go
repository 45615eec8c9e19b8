package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/categorize"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/store"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const exampleTranscript = "Revenue grew 15%. Um, nice day. Let's meet Friday."

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type transcriberFunc func(ctx context.Context, audio []byte, hint string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte, hint string) (string, error) {
	return f(ctx, audio, hint)
}

type testEnv struct {
	handler  http.Handler
	outputs  string
	feedback string
	lastHint string
}

func newEnv(t *testing.T, transcribe func(audio []byte) (string, error)) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{outputs: filepath.Join(root, "outputs"), feedback: filepath.Join(root, "feedback")}
	tr := transcriberFunc(func(_ context.Context, audio []byte, hint string) (string, error) {
		env.lastHint = hint
		return transcribe(audio)
	})
	orch := session.New(session.Deps{
		Transcriber:    tr,
		Categorizer:    categorize.NewAdapter(nil, categorize.Options{}, newLogger()),
		Outputs:        store.NewDir(env.outputs),
		Feedback:       store.NewDir(env.feedback),
		Logger:         newLogger(),
		MaxUploadBytes: 1024,
	})
	env.handler = NewServer(orch, newLogger(), nil, nil).Routes()
	return env
}

func okTranscript(text string) func([]byte) (string, error) {
	return func([]byte) (string, error) { return text, nil }
}

func (e *testEnv) do(t *testing.T, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return e.do(t, http.MethodPost, path, "application/json", bytes.NewReader(data))
}

func multipartAudio(t *testing.T, audio []byte, format string) (string, io.Reader) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if format != "" {
		if err := mw.WriteField("format", format); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := mw.CreateFormFile("audio", "recording.webm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(audio); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return mw.FormDataContentType(), &buf
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

type uploadResponse struct {
	SessionID  string   `json:"sessionId"`
	Transcript string   `json:"transcript"`
	Important  []string `json:"important"`
	Noise      []string `json:"noise"`
	Uncertain  []string `json:"uncertain"`
	Timestamp  string   `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func TestUploadMultipart(t *testing.T) {
	env := newEnv(t, okTranscript(exampleTranscript))
	ct, body := multipartAudio(t, []byte("webm-bytes"), "webm")

	rec := env.do(t, http.MethodPost, "/upload", ct, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[uploadResponse](t, rec)
	if resp.SessionID == "" || resp.Timestamp == "" {
		t.Fatalf("missing session id or timestamp: %+v", resp)
	}
	if !reflect.DeepEqual(resp.Important, []string{"Revenue grew 15%"}) ||
		!reflect.DeepEqual(resp.Noise, []string{"Um, nice day"}) ||
		!reflect.DeepEqual(resp.Uncertain, []string{"Let's meet Friday"}) {
		t.Fatalf("unexpected categorization %+v", resp)
	}
	if env.lastHint != "webm" {
		t.Fatalf("format hint = %q", env.lastHint)
	}
}

func TestUploadRawBodyUsesContentType(t *testing.T) {
	env := newEnv(t, okTranscript("Budget approved."))
	rec := env.do(t, http.MethodPost, "/upload", "audio/ogg", strings.NewReader("ogg-bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if env.lastHint != "audio/ogg" {
		t.Fatalf("format hint = %q", env.lastHint)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		transcribe func([]byte) (string, error)
		body       []byte
		wantStatus int
		wantError  string
	}{
		{"oversize", okTranscript("x"), make([]byte, 4096), http.StatusRequestEntityTooLarge, "File too large"},
		{"empty", okTranscript("x"), nil, http.StatusBadRequest, "No audio file uploaded"},
		{"transcription failure", func([]byte) (string, error) {
			return "", &stt.ConversionError{Err: errors.New("ffmpeg exited 1")}
		}, []byte("audio"), http.StatusBadGateway, "Transcription failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t, tt.transcribe)
			ct, body := multipartAudio(t, tt.body, "")
			rec := env.do(t, http.MethodPost, "/upload", ct, body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			resp := decode[errorResponse](t, rec)
			if resp.Error != tt.wantError || resp.Details == "" {
				t.Fatalf("unexpected error payload %+v", resp)
			}
		})
	}
}

func TestUploadMissingAudioField(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("format", "webm")
	_ = mw.Close()
	rec := env.do(t, http.MethodPost, "/upload", mw.FormDataContentType(), &buf)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

type exportResult struct {
	Success   bool   `json:"success"`
	Filename  string `json:"filename"`
	Path      string `json:"path"`
	AgentType string `json:"agentType"`
	Timestamp string `json:"timestamp"`
}

func TestExport(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	rec := env.postJSON(t, "/export", map[string]any{
		"content":   []string{"Revenue grew 15%", "Let's meet Friday"},
		"agentType": "action-items",
		"timestamp": "2026-03-04T15:04:05.000Z",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[exportResult](t, rec)
	if !resp.Success || !strings.HasPrefix(resp.Filename, "action-items_") {
		t.Fatalf("unexpected response %+v", resp)
	}
	data, err := os.ReadFile(resp.Path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(data), "[ ] Revenue grew 15%\n[ ] Let's meet Friday\n") {
		t.Fatalf("unexpected document:\n%s", data)
	}
	if !strings.HasPrefix(string(data), "Action Items - 2026-03-04 15:04") {
		t.Fatalf("header should use the request timestamp:\n%s", data)
	}
}

func TestExportUnknownProfileUsesDefault(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	rec := env.postJSON(t, "/export", map[string]any{"content": []string{"a"}, "agentType": "limerick"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if resp := decode[exportResult](t, rec); resp.AgentType != "default" {
		t.Fatalf("agentType = %q", resp.AgentType)
	}
}

func TestExportValidationAndPersistenceErrors(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	if rec := env.postJSON(t, "/export", map[string]any{"content": []string{}, "agentType": "summary"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/export", "application/json", strings.NewReader("{not json")); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}

	if err := os.WriteFile(env.outputs, []byte("file"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec := env.postJSON(t, "/export", map[string]any{"content": []string{"a"}, "agentType": "summary"})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("write failure status = %d", rec.Code)
	}
}

type feedbackResult struct {
	Success   bool   `json:"success"`
	Filename  string `json:"filename"`
	Timestamp string `json:"timestamp"`
}

func feedbackBody() map[string]any {
	return map[string]any{
		"timestamp": "2026-03-04T15:04:05Z",
		"original": map[string]any{
			"important": []string{"Revenue grew 15%"},
			"noise":     []string{"Um, nice day"},
			"uncertain": []string{"Let's meet Friday"},
		},
		"userChoices": map[string]string{"Let's meet Friday": "important"},
	}
}

func TestFeedbackWritesRecord(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	rec := env.postJSON(t, "/feedback", feedbackBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[feedbackResult](t, rec)
	if !resp.Success || resp.Filename == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	data, err := os.ReadFile(filepath.Join(env.feedback, resp.Filename))
	if err != nil {
		t.Fatalf("read feedback: %v", err)
	}
	var stored struct {
		Original    categorize.Result `json:"original"`
		UserChoices map[string]string `json:"userChoices"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	if stored.UserChoices["Let's meet Friday"] != "important" || len(stored.Original.Uncertain) != 1 {
		t.Fatalf("unexpected stored record %s", data)
	}
}

func TestFeedbackKeepsChoicesAsReceived(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	body := feedbackBody()
	body["userChoices"] = map[string]string{
		"Let's meet Friday": "important",
		"Revenue grew 15%":  "noise",
		"7":                 "noise",
		"ghost":             "maybe",
	}
	rec := env.postJSON(t, "/feedback", body)
	resp := decode[feedbackResult](t, rec)
	data, err := os.ReadFile(filepath.Join(env.feedback, resp.Filename))
	if err != nil {
		t.Fatalf("read feedback: %v", err)
	}
	var stored struct {
		UserChoices map[string]string `json:"userChoices"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"Let's meet Friday": "important", "Revenue grew 15%": "noise", "7": "noise"}
	if !reflect.DeepEqual(stored.UserChoices, want) {
		t.Fatalf("userChoices = %v, want %v", stored.UserChoices, want)
	}
}

func TestFeedbackWriteFailureStillSucceeds(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	if err := os.WriteFile(env.feedback, []byte("file"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec := env.postJSON(t, "/feedback", feedbackBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if resp := decode[feedbackResult](t, rec); !resp.Success {
		t.Fatalf("expected success-shaped response, got %+v", resp)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	body := feedbackBody()
	body["userChoices"] = map[string]string{"Let's meet Friday": "important", "ghost": "important"}
	rec := env.postJSON(t, "/reconcile", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[struct {
		Approved  []string `json:"approved"`
		Undecided []string `json:"undecided"`
	}](t, rec)
	if !reflect.DeepEqual(resp.Approved, []string{"Revenue grew 15%", "Let's meet Friday"}) || len(resp.Undecided) != 0 {
		t.Fatalf("unexpected reconcile response %+v", resp)
	}
}

func TestSessionDecisionsExportAndAbandon(t *testing.T) {
	env := newEnv(t, okTranscript(exampleTranscript))
	ct, body := multipartAudio(t, []byte("audio"), "webm")
	upload := decode[uploadResponse](t, env.do(t, http.MethodPost, "/upload", ct, body))

	rec := env.postJSON(t, "/sessions/"+upload.SessionID+"/decisions", map[string]any{
		"userChoices": map[string]string{"0": "important"},
		"agentType":   "meeting-notes",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Approved []string      `json:"approved"`
		Export   *exportResult `json:"export"`
	}](t, rec)
	if !reflect.DeepEqual(resp.Approved, []string{"Revenue grew 15%", "Let's meet Friday"}) {
		t.Fatalf("approved = %v", resp.Approved)
	}
	if resp.Export == nil || !strings.HasPrefix(resp.Export.Filename, "meeting-notes_") {
		t.Fatalf("expected meeting-notes export, got %+v", resp.Export)
	}

	state := decode[struct {
		State string `json:"state"`
	}](t, env.do(t, http.MethodGet, "/sessions/"+upload.SessionID, "", nil))
	if state.State != "exported" {
		t.Fatalf("state = %q", state.State)
	}

	if rec := env.do(t, http.MethodDelete, "/sessions/"+upload.SessionID, "", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/sessions/"+upload.SessionID, "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", rec.Code)
	}
	if rec := env.postJSON(t, "/sessions/"+upload.SessionID+"/decisions", map[string]any{}); rec.Code != http.StatusNotFound {
		t.Fatalf("decisions on abandoned session status = %d", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newEnv(t, okTranscript("x"))
	if rec := env.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz = %d", rec.Code)
	}
}
