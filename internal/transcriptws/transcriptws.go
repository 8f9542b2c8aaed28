// Package transcriptws pushes transcripts to browser clients over a
// per-session WebSocket. The connection is write-mostly: inbound
// frames from the browser are read and discarded, serving only as a
// liveness signal.
package transcriptws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/registry"
)

// writeTimeout bounds each outbound frame write.
const writeTimeout = 5 * time.Second

// speakerLabels maps roles to their display strings.
var speakerLabels = map[registry.Speaker]string{
	registry.SpeakerTechnician: "Technician",
	registry.SpeakerAgent:      "Agent",
}

// connectedFrame is sent exactly once after the upgrade.
type connectedFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// transcriptionFrame carries one transcript to the browser.
type transcriptionFrame struct {
	Type         string   `json:"type"`
	Text         string   `json:"text"`
	SpeakerRole  string   `json:"speaker_role"`
	SpeakerLabel string   `json:"speaker_label"`
	Language     string   `json:"language"`
	IsFinal      bool     `json:"is_final"`
	Confidence   *float64 `json:"confidence,omitempty"`
	Timestamp    string   `json:"timestamp"`
	StartOffset  float64  `json:"start_offset"`
	Duration     float64  `json:"duration"`
	Sequence     uint64   `json:"sequence"`
}

// endedFrame is the last frame before the server closes the socket.
type endedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Server attaches browser subscribers to sessions.
type Server struct {
	reg     *registry.Registry
	metrics *observe.Metrics
	log     *slog.Logger
}

func New(reg *registry.Registry, metrics *observe.Metrics, log *slog.Logger) *Server {
	return &Server{reg: reg, metrics: metrics, log: log}
}

// HandleTranscription serves one browser subscription. The route must
// carry the session id as the "id" path value.
func (s *Server) HandleTranscription(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	sub, err := s.reg.Subscribe(sessionID, registry.Filter{Interim: true})
	if err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.reg.Unsubscribe(sessionID, sub.ID)
		s.log.Warn("transcription accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	s.metrics.ActiveSubscribers.Add(r.Context(), 1)
	defer s.metrics.ActiveSubscribers.Add(context.Background(), -1)
	defer s.reg.Unsubscribe(sessionID, sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Discard inbound frames; a read error means the browser went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if err := s.write(ctx, conn, connectedFrame{Type: "connected", SessionID: sessionID}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Ended:
			// Deliver anything still queued before announcing the end.
			for drained := false; !drained; {
				select {
				case tr := <-sub.C:
					if err := s.write(ctx, conn, frameFor(tr)); err != nil {
						return
					}
				default:
					drained = true
				}
			}
			s.write(ctx, conn, endedFrame{Type: "session_ended", Reason: sub.Reason()})
			conn.Close(websocket.StatusNormalClosure, "session ended")
			return
		case tr := <-sub.C:
			if err := s.write(ctx, conn, frameFor(tr)); err != nil {
				s.log.Debug("subscriber write failed, detaching",
					"session_id", sessionID, "error", err)
				return
			}
		}
	}
}

func frameFor(t registry.Transcript) transcriptionFrame {
	return transcriptionFrame{
		Type:         "transcription",
		Text:         t.Text,
		SpeakerRole:  string(t.Speaker),
		SpeakerLabel: speakerLabels[t.Speaker],
		Language:     t.Language,
		IsFinal:      t.IsFinal,
		Confidence:   t.Confidence,
		Timestamp:    t.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		StartOffset:  t.StartOffset,
		Duration:     t.Duration,
		Sequence:     t.Seq,
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, frame any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, b)
}
