package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lipsync/internal/session"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
	"github.com/MrWong99/lipsync/pkg/transport/wsmedia"
)

// Control message types accepted on the event socket.
const (
	ControlSpeak = "speak"
	ControlChat  = "chat"
	ControlStop  = "stop"
	ControlReset = "reset"
	ControlClear = "clear"
)

// controlMessage is a client command on the event socket. Voice fields
// follow the /chat body.
type controlMessage struct {
	Type     string  `json:"type"`
	Text     string  `json:"text"`
	Voice    string  `json:"voice"`
	Model    string  `json:"model"`
	Speed    float64 `json:"speed"`
	Language string  `json:"language_code"`
}

func (m controlMessage) profile() tts.VoiceProfile {
	return tts.VoiceProfile{Voice: m.Voice, Model: m.Model, Speed: m.Speed, Language: m.Language}
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
}

// handleEvents streams session events as JSON and applies control messages
// sent by the client.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.session(w, id)
	if !ok {
		return
	}
	conn, err := s.accept(w, r)
	if err != nil {
		s.log.Warn("events upgrade failed", "session_id", id, "err", err)
		return
	}
	defer conn.CloseNow()

	events, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		s.readControl(ctx, conn, sess)
	}()

	if err := wsjson.Write(ctx, conn, session.Event{Type: session.EventState, State: sess.State()}); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "session ended")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) readControl(ctx context.Context, conn *websocket.Conn, sess *session.Session) {
	for {
		var msg controlMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("events read ended", "session_id", sess.ID(), "err", err)
			}
			return
		}
		if err := s.control(ctx, sess, msg); err != nil {
			reply := session.Event{Type: session.EventError, Error: err.Error()}
			if err := wsjson.Write(ctx, conn, reply); err != nil {
				return
			}
		}
	}
}

func (s *Server) control(ctx context.Context, sess *session.Session, msg controlMessage) error {
	voice := mergeVoice(msg.profile(), s.defaultVoice())
	switch msg.Type {
	case ControlSpeak:
		return sess.Echo(msg.Text, voice)
	case ControlChat:
		return sess.Chat(msg.Text, voice)
	case ControlStop:
		sess.StopResponse()
	case ControlReset:
		sess.Reset()
	case ControlClear:
		sess.StopResponse()
		return sess.ClearHistory(ctx)
	default:
		return fmt.Errorf("unknown control type %q", msg.Type)
	}
	return nil
}

// handleMedia upgrades to the binary media socket and attaches it to the
// session. It returns once the client leaves or the session ends.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.session(w, id)
	if !ok {
		return
	}
	conn, err := s.accept(w, r)
	if err != nil {
		s.log.Warn("media upgrade failed", "session_id", id, "err", err)
		return
	}

	sink, err := wsmedia.New(r.Context(), conn, wsmedia.WithJPEGQuality(s.cfg.JPEGQuality))
	if err != nil {
		s.log.Error("media sink failed", "session_id", id, "err", err)
		conn.Close(websocket.StatusInternalError, "media encoder unavailable")
		return
	}
	if err := sess.Attach(sink); err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	s.log.Info("media attached", "session_id", id)

	select {
	case <-sink.Done():
		s.log.Info("media client left", "session_id", id)
	case <-sess.Done():
	}
	_ = sink.Close()
}
