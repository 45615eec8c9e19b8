package protocol

import "time"

// SubmitRequest carries audio submitted over the bus.
type SubmitRequest struct {
	Format string `json:"format,omitempty"`
	Audio  []byte `json:"audio"`
}

// CategorizedPayload is returned for a successfully categorized recording.
type CategorizedPayload struct {
	SessionID  string    `json:"sessionId"`
	Transcript string    `json:"transcript"`
	Important  []string  `json:"important"`
	Noise      []string  `json:"noise"`
	Uncertain  []string  `json:"uncertain"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorPayload is the failure shape shared by every surface.
type ErrorPayload struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SubmitReply answers a SubmitRequest with exactly one of its two parts set.
type SubmitReply struct {
	*CategorizedPayload
	*ErrorPayload
}

// SessionEvent describes a session lifecycle change.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	Fragments int       `json:"fragments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EventSessionCategorized = "session.categorized"
	EventSessionFailed      = "session.failed"
	EventFeedbackRecorded   = "feedback.recorded"
	EventExportWritten      = "export.written"
)
