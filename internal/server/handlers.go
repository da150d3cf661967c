package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/session"
	"github.com/MrWong99/lipsync/internal/speech"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// Chat types accepted by POST /chat.
const (
	ChatEcho  = "echo"
	ChatChat  = "chat"
	ChatClear = "clear"
	ChatStop  = "stop"
)

// Response statuses.
const (
	StatusSuccess        = "success"
	StatusInvalidSession = "invalid session id"
)

const maxBodyBytes = 1 << 20

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// offerRequest is the body of POST /offer. The body may be empty.
type offerRequest struct {
	// Turn is accepted for compatibility with WebRTC clients. Media travels
	// over the media WebSocket, so there are no relay servers to return.
	Turn bool `json:"turn"`
}

type offerResponse struct {
	SessionID string `json:"session_id"`
	MediaURL  string `json:"media_url"`
	EventsURL string `json:"events_url"`
}

// chatRequest is the body of POST /chat and POST /stop.
type chatRequest struct {
	ChatType  string  `json:"chat_type"`
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`
	Model     string  `json:"model"`
	Speed     float64 `json:"speed"`
	Language  string  `json:"language_code"`
}

func (r chatRequest) profile() tts.VoiceProfile {
	return tts.VoiceProfile{Voice: r.Voice, Model: r.Model, Speed: r.Speed, Language: r.Language}
}

type sessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "invalid request body", Error: err.Error()})
		return
	}

	sess, err := s.cfg.Manager.Create(r.Context(), "")
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "busy", Error: err.Error()})
		return
	case err != nil:
		observe.Logger(r.Context()).Error("create session failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Error: err.Error()})
		return
	}

	id := sess.ID()
	s.log.Info("session offered", "session_id", id, "turn", req.Turn)
	writeJSON(w, http.StatusOK, offerResponse{
		SessionID: id,
		MediaURL:  "/ws/" + id + "/media",
		EventsURL: "/ws/" + id,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "invalid request body", Error: err.Error()})
		return
	}
	sess, ok := s.session(w, req.SessionID)
	if !ok {
		return
	}

	voice := mergeVoice(req.profile(), s.defaultVoice())
	var err error
	switch req.ChatType {
	case ChatEcho:
		err = sess.Echo(req.Text, voice)
	case ChatChat:
		err = sess.Chat(req.Text, voice)
	case ChatClear:
		err = sess.ClearHistory(r.Context())
	case ChatStop:
		sess.StopResponse()
	default:
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "invalid chat_type", Error: req.ChatType})
		return
	}
	if err != nil {
		s.chatError(w, r, req, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusSuccess})
}

func (s *Server) chatError(w http.ResponseWriter, r *http.Request, req chatRequest, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoLLM):
		status = http.StatusNotImplemented
	case errors.Is(err, speech.ErrQueueFull):
		status = http.StatusTooManyRequests
	}
	observe.Logger(r.Context()).Warn("chat request failed",
		"session_id", req.SessionID, "chat_type", req.ChatType, "err", err)
	writeJSON(w, status, statusResponse{Status: "error", Error: err.Error()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, statusResponse{Status: "invalid request body", Error: err.Error()})
		return
	}
	sess, ok := s.session(w, req.SessionID)
	if !ok {
		return
	}
	sess.StopResponse()
	writeJSON(w, http.StatusOK, statusResponse{Status: StatusSuccess})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.cfg.Manager.IDs()
	out := make([]sessionInfo, 0, len(ids))
	for _, id := range ids {
		sess, err := s.cfg.Manager.Get(id)
		if err != nil {
			continue
		}
		out = append(out, sessionInfo{ID: id, State: sess.State(), CreatedAt: sess.CreatedAt()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Manager.Close(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, statusResponse{Status: StatusInvalidSession})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, statusResponse{Status: "error", Error: err.Error()})
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// session looks up id and writes the invalid-session response on a miss.
func (s *Server) session(w http.ResponseWriter, id string) (*session.Session, bool) {
	sess, err := s.cfg.Manager.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, statusResponse{Status: StatusInvalidSession})
		return nil, false
	}
	return sess, true
}

// mergeVoice fills the empty fields of v from def.
func mergeVoice(v, def tts.VoiceProfile) tts.VoiceProfile {
	if v.Voice == "" {
		v.Voice = def.Voice
	}
	if v.Model == "" {
		v.Model = def.Model
	}
	if v.Speed <= 0 {
		v.Speed = def.Speed
	}
	if v.Language == "" {
		v.Language = def.Language
	}
	return v
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
