// Package gateway accepts the telephony provider's media-stream
// WebSocket, parses its framed JSON messages, and feeds audio into the
// per-direction pipeline. One reader goroutine owns each inbound
// socket; audio handoff never blocks it.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/tkellem/callscribe/internal/agentpipe"
	"github.com/tkellem/callscribe/internal/config"
	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/pipeline"
	"github.com/tkellem/callscribe/internal/recording"
	"github.com/tkellem/callscribe/internal/registry"
	"github.com/tkellem/callscribe/pkg/provider/stt"
)

// preStartGrace bounds how long media frames arriving before the
// "start" event are buffered awaiting it.
const preStartGrace = 500 * time.Millisecond

// Frame schema of the provider's media stream, one JSON document per
// WebSocket text message.
type providerFrame struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	Stop      *stopFrame  `json:"stop,omitempty"`
}

type startFrame struct {
	StreamSid string `json:"streamSid"`
	CallSid   string `json:"callSid"`
	// CustomParameters carries the session id and speaker role the
	// call-control surface attached when placing the call.
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	// Payload is base64 µ-law 8 kHz mono audio.
	Payload string `json:"payload"`
}

type stopFrame struct {
	CallSid string `json:"callSid,omitempty"`
}

// Gateway terminates provider media-stream connections.
type Gateway struct {
	cfg     *config.Config
	reg     *registry.Registry
	batch   stt.BatchProvider
	stream  stt.StreamProvider
	submit  agentpipe.Submitter
	log     *slog.Logger
	metrics *observe.Metrics
}

// New returns a Gateway. Exactly one of batch or stream is non-nil,
// matching cfg.STT.Backend.
func New(cfg *config.Config, reg *registry.Registry, batch stt.BatchProvider, stream stt.StreamProvider, submit agentpipe.Submitter, metrics *observe.Metrics, log *slog.Logger) *Gateway {
	return &Gateway{
		cfg:     cfg,
		reg:     reg,
		batch:   batch,
		stream:  stream,
		submit:  submit,
		log:     log,
		metrics: metrics,
	}
}

// HandleMediaStream is the HTTP handler for the provider WebSocket
// endpoint.
func (g *Gateway) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The telephony provider is a non-browser client with no
		// meaningful Origin header.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.log.Warn("media stream accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	g.serve(r.Context(), conn)
}

type pendingMedia struct {
	payload []byte
	at      time.Time
}

// leg is the per-connection state: at most one bound direction.
type leg struct {
	sessionID string
	speaker   registry.Speaker
	dir       *pipeline.Direction
	bound     bool
	pre       []pendingMedia
}

func (g *Gateway) serve(ctx context.Context, conn *websocket.Conn) {
	var l leg
	defer func() {
		// A dropped socket tears the direction down as if stop had
		// been received.
		if l.bound {
			g.reg.Close(l.sessionID, l.speaker, "socket_error")
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				g.log.Debug("media stream read ended", "error", err)
			}
			return
		}

		var f providerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			g.log.Warn("malformed media stream frame", "error", err)
			continue
		}

		switch f.Event {
		case "connected":
			g.log.Debug("media stream connected")
		case "start":
			if err := g.handleStart(&l, &f); err != nil {
				g.log.Warn("media stream start rejected", "error", err)
				conn.Close(websocket.StatusPolicyViolation, "start rejected")
				return
			}
		case "media":
			g.handleMedia(&l, f.Media)
		case "stop":
			if l.bound {
				g.reg.Close(l.sessionID, l.speaker, "stream_stop")
				l.bound = false
			}
		default:
			// "mark" and anything unknown.
		}
	}
}

func (g *Gateway) handleStart(l *leg, f *providerFrame) error {
	if l.bound {
		return errors.New("gateway: duplicate start on one connection")
	}
	start := f.Start
	if start == nil {
		return errors.New("gateway: start frame without payload")
	}

	sessionID := start.CustomParameters["sessionId"]
	if sessionID == "" {
		sessionID = start.CallSid
	}
	if sessionID == "" {
		return errors.New("gateway: start frame carries no session id")
	}
	speaker := registry.Speaker(start.CustomParameters["speakerRole"])
	if !speaker.IsValid() {
		speaker = registry.SpeakerTechnician
	}

	var dir *pipeline.Direction
	sess, err := g.reg.Open(sessionID, speaker, func(reason string) {
		if dir != nil {
			dir.Close(reason)
		}
	})
	if err != nil {
		return err
	}

	now := time.Now()
	var rec *recording.Pair
	if g.cfg.Recording.On() {
		rec, err = recording.NewPair(g.cfg.Recording.Dir, string(speaker), sessionID, now, g.log)
		if err != nil {
			// The call goes on without its recordings.
			g.log.Warn("recording unavailable",
				"session_id", sessionID, "speaker", string(speaker), "error", err)
		}
	}

	dir = pipeline.New(pipeline.Params{
		Session:     sess,
		Speaker:     speaker,
		Start:       now,
		Audio:       g.cfg.Audio,
		Language:    g.cfg.STT.Language,
		EmitInterim: g.cfg.STT.EmitInterim,
		Phrases:     g.cfg.STT.HallucinationPhrases,
		Batch:       g.batch,
		Stream:      g.stream,
		Submit:      g.submit,
		Recorder:    rec,
		Log:         g.log,
		Metrics:     g.metrics,
	})

	streamSid := start.StreamSid
	if streamSid == "" {
		streamSid = f.StreamSid
	}
	sess.SetStreamID(streamSid)

	l.sessionID = sessionID
	l.speaker = speaker
	l.dir = dir
	l.bound = true

	// Replay media that raced ahead of the start event.
	cutoff := time.Now().Add(-preStartGrace)
	for _, pm := range l.pre {
		if pm.at.Before(cutoff) {
			g.metrics.RecordDrop(context.Background(), "pre_start_expired")
			continue
		}
		dir.Push(pm.payload)
	}
	l.pre = nil

	g.log.Info("media stream started",
		"session_id", sessionID, "speaker", string(speaker), "stream_sid", streamSid)
	return nil
}

func (g *Gateway) handleMedia(l *leg, m *mediaFrame) {
	if m == nil || m.Payload == "" {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		g.log.Warn("undecodable media payload", "error", err)
		return
	}
	if !l.bound {
		l.bufferPreStart(payload, g.metrics)
		return
	}
	l.dir.Push(payload)
}

// bufferPreStart queues media awaiting the start event, evicting
// anything older than the grace window.
func (l *leg) bufferPreStart(payload []byte, m *observe.Metrics) {
	cutoff := time.Now().Add(-preStartGrace)
	kept := l.pre[:0]
	for _, pm := range l.pre {
		if pm.at.Before(cutoff) {
			m.RecordDrop(context.Background(), "pre_start_expired")
			continue
		}
		kept = append(kept, pm)
	}
	l.pre = append(kept, pendingMedia{payload: payload, at: time.Now()})
}
