package transcriptws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/registry"
)

func newServer(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New(0, nil, slog.New(slog.DiscardHandler))
	s := New(reg, met, slog.New(slog.DiscardHandler))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /transcription/{id}", s.HandleTranscription)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, srv
}

func dial(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/transcription/" + sessionID
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

func TestConnectedThenTranscriptionThenEnded(t *testing.T) {
	t.Parallel()

	reg, srv := newServer(t)
	sess, err := reg.Open("s1", registry.SpeakerTechnician, nil)
	if err != nil {
		t.Fatal(err)
	}

	conn := dial(t, srv, "s1")

	hello := readFrame(t, conn)
	if hello["type"] != "connected" || hello["session_id"] != "s1" {
		t.Fatalf("first frame = %v", hello)
	}

	conf := 0.92
	sess.Publish(registry.Transcript{
		SessionID:   "s1",
		Speaker:     registry.SpeakerTechnician,
		Text:        "le routeur est en ligne",
		Language:    "fr",
		Confidence:  &conf,
		IsFinal:     true,
		StartOffset: 12.34,
		Duration:    2.1,
		Timestamp:   time.Date(2025, 1, 1, 12, 34, 56, 789_000_000, time.UTC),
		Seq:         7,
	})

	fr := readFrame(t, conn)
	if fr["type"] != "transcription" || fr["text"] != "le routeur est en ligne" {
		t.Fatalf("frame = %v", fr)
	}
	if fr["speaker_role"] != "technician" || fr["speaker_label"] != "Technician" {
		t.Errorf("speaker fields = %v / %v", fr["speaker_role"], fr["speaker_label"])
	}
	if fr["is_final"] != true || fr["sequence"] != float64(7) {
		t.Errorf("finality/sequence = %v / %v", fr["is_final"], fr["sequence"])
	}
	if fr["confidence"] != 0.92 || fr["start_offset"] != 12.34 || fr["duration"] != 2.1 {
		t.Errorf("numeric fields = %v", fr)
	}
	if fr["timestamp"] != "2025-01-01T12:34:56.789Z" {
		t.Errorf("timestamp = %v", fr["timestamp"])
	}

	reg.CloseSession("s1", "stream_stop")
	end := readFrame(t, conn)
	if end["type"] != "session_ended" || end["reason"] != "stream_stop" {
		t.Fatalf("end frame = %v", end)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	t.Parallel()

	_, srv := newServer(t)
	resp, err := http.Get(srv.URL + "/transcription/ghost")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestInboundFramesAreIgnored(t *testing.T) {
	t.Parallel()

	reg, srv := newServer(t)
	sess, err := reg.Open("s1", registry.SpeakerTechnician, nil)
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, srv, "s1")
	readFrame(t, conn) // connected

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"whatever":true}`)); err != nil {
		t.Fatal(err)
	}

	sess.Publish(registry.Transcript{Speaker: registry.SpeakerTechnician, IsFinal: true, Text: "après"})
	if fr := readFrame(t, conn); fr["text"] != "après" {
		t.Fatalf("frame after inbound noise = %v", fr)
	}
}
