package pipeline

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	agentmock "github.com/tkellem/callscribe/internal/agentpipe/mock"
	"github.com/tkellem/callscribe/internal/config"
	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/recording"
	"github.com/tkellem/callscribe/internal/registry"
	"github.com/tkellem/callscribe/pkg/audio"
	"github.com/tkellem/callscribe/pkg/provider/stt"
	sttmock "github.com/tkellem/callscribe/pkg/provider/stt/mock"
)

// speechChunk is 20 ms of constant-amplitude µ-law; silenceChunk is
// 20 ms of digital silence (0xFF decodes to 0).
var (
	speechChunk  = encodeConstant(800)
	silenceChunk = bytes.Repeat([]byte{0xFF}, 160)
)

func encodeConstant(amplitude int16) []byte {
	pcm := make([]byte, 320)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(amplitude))
	}
	return audio.EncodeMuLaw(pcm)
}

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{
		SpeechStartRMS:     10,
		SilenceRMS:         10,
		SilenceHang:        1.0,
		MinSpeechDuration:  0.5,
		MaxSegmentDuration: 10.0,
	}
}

type fixture struct {
	reg    *registry.Registry
	sess   *registry.Session
	dir    *Direction
	sub    *registry.Subscription
	submit *agentmock.Submitter
}

// newFixture wires a technician direction through a real registry so
// close semantics match production. The session start is backdated
// past the startup guard.
func newFixture(t *testing.T, p Params) *fixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		reg:    registry.New(0, nil, slog.New(slog.DiscardHandler)),
		submit: &agentmock.Submitter{},
	}
	sess, err := f.reg.Open("s1", registry.SpeakerTechnician, func(reason string) {
		f.dir.Close(reason)
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.sess = sess

	p.Session = sess
	p.Speaker = registry.SpeakerTechnician
	if p.Start.IsZero() {
		p.Start = time.Now().Add(-time.Second)
	}
	p.Audio = testAudioConfig()
	p.Language = "fr"
	p.Submit = f.submit
	p.Log = slog.New(slog.DiscardHandler)
	p.Metrics = met
	f.dir = New(p)

	f.sub, err = f.reg.Subscribe("s1", registry.Filter{Interim: true})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return f
}

// push feeds chunks, pacing against the processed counter so the
// bounded ingress queue never overflows in tests.
func (f *fixture) push(t *testing.T, n int, chunk []byte) {
	t.Helper()
	for i := 0; i < n; i++ {
		f.dir.Push(chunk)
		if (i+1)%128 == 0 {
			f.waitChunks(t)
		}
	}
	f.waitChunks(t)
}

// waitChunks waits for the ingress queue to drain so pacing never
// trips the drop-oldest overflow policy.
func (f *fixture) waitChunks(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool { return len(f.dir.chunkCh) == 0 }, "ingress drain")
}

func (f *fixture) recv(t *testing.T) registry.Transcript {
	t.Helper()
	select {
	case tr := <-f.sub.C:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcript")
		return registry.Transcript{}
	}
}

func (f *fixture) recvNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case tr := <-f.sub.C:
		t.Fatalf("unexpected transcript %+v", tr)
	case <-time.After(wait):
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSilentCallProducesOnlyRecordings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rec, err := recording.NewPair(dir, "technician", "s1", time.Now(), slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	batch := &sttmock.Batch{}
	f := newFixture(t, Params{Batch: batch, Recorder: rec})

	f.push(t, 500, silenceChunk)
	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")

	if got := batch.CallCount(); got != 0 {
		t.Errorf("Transcribe called %d times, want 0", got)
	}
	if got := len(f.submit.Calls()); got != 0 {
		t.Errorf("submit called %d times, want 0", got)
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.wav"))
	if err != nil || len(paths) != 2 {
		t.Fatalf("recordings = %v (err %v), want 2 files", paths, err)
	}
	sizes := map[int64]bool{}
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			t.Fatal(err)
		}
		sizes[fi.Size()] = true
	}
	if !sizes[44+160000] || !sizes[44+320000] {
		t.Errorf("recording sizes = %v, want 160044 and 320044", sizes)
	}
}

func TestCleanUtterance(t *testing.T) {
	t.Parallel()

	conf := 0.9
	batch := &sttmock.Batch{Script: []stt.Result{
		stt.Transcribed("le modem redémarre", "fr", &conf),
	}}
	f := newFixture(t, Params{Batch: batch})

	f.push(t, 100, speechChunk) // 2.0 s
	f.push(t, 75, silenceChunk) // 1.5 s, hang fires at 1.0

	tr := f.recv(t)
	if tr.Text != "le modem redémarre" || !tr.IsFinal || tr.Seq != 0 {
		t.Errorf("transcript = %+v", tr)
	}
	if tr.Duration < 2.0 || tr.Duration > 2.02 {
		t.Errorf("Duration = %v, want ~2.0", tr.Duration)
	}
	if tr.Confidence == nil || *tr.Confidence != 0.9 {
		t.Errorf("Confidence = %v", tr.Confidence)
	}

	waitFor(t, func() bool { return len(f.submit.Calls()) == 1 }, "agent submission")
	call := f.submit.Calls()[0]
	if call.SessionID != "s1" || call.Speaker != "technician" || call.Language != "fr" {
		t.Errorf("submit call = %+v", call)
	}

	// The provider saw a single-shot 16 kHz conversion: 100 chunks of
	// 320 bytes doubled.
	waitFor(t, func() bool { return batch.CallCount() == 1 }, "transcribe call")
	if got := len(batch.Calls[0].PCM); got != 100*320*2 {
		t.Errorf("transcribed PCM = %d bytes, want %d", got, 100*320*2)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}

func TestMaxDurationCutAndFlushOnClose(t *testing.T) {
	t.Parallel()

	batch := &sttmock.Batch{Script: []stt.Result{
		stt.Transcribed("première moitié", "fr", nil),
		stt.Transcribed("deuxième moitié", "fr", nil),
	}}
	f := newFixture(t, Params{Batch: batch})

	f.push(t, 600, speechChunk) // 12 s continuous speech
	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")

	first := f.recv(t)
	second := f.recv(t)
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("sequences = %d, %d, want 0, 1", first.Seq, second.Seq)
	}
	if first.Duration != 10.0 {
		t.Errorf("first Duration = %v, want force-cut 10.0", first.Duration)
	}
	if second.Duration < 1.9 || second.Duration > 2.1 {
		t.Errorf("second Duration = %v, want ~2.0", second.Duration)
	}
	if got := len(f.submit.Calls()); got != 2 {
		t.Errorf("submit called %d times, want 2", got)
	}
}

func TestHallucinationRejectedSilently(t *testing.T) {
	t.Parallel()

	batch := &sttmock.Batch{Script: []stt.Result{
		stt.Transcribed("• • • • • • • • • • • •", "fr", nil),
		stt.Transcribed("tout fonctionne maintenant", "fr", nil),
	}}
	f := newFixture(t, Params{Batch: batch})

	f.push(t, 50, speechChunk) // 1.0 s
	f.push(t, 60, silenceChunk)
	f.push(t, 50, speechChunk)
	f.push(t, 60, silenceChunk)

	waitFor(t, func() bool { return batch.CallCount() == 2 }, "two transcribe calls")

	tr := f.recv(t)
	if tr.Text != "tout fonctionne maintenant" {
		t.Errorf("Text = %q", tr.Text)
	}
	// The rejected result must not burn a sequence number.
	if tr.Seq != 0 {
		t.Errorf("Seq = %d, want 0", tr.Seq)
	}
	if got := len(f.submit.Calls()); got != 1 {
		t.Errorf("submit called %d times, want 1", got)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}

func TestStreamingInterimGating(t *testing.T) {
	t.Parallel()

	s1 := sttmock.NewSession()
	stream := &sttmock.Stream{Sessions: []*sttmock.Session{s1}}
	f := newFixture(t, Params{Stream: stream}) // EmitInterim off

	f.push(t, 10, speechChunk)
	waitFor(t, func() bool { return stream.CallCount() == 1 }, "lazy stream open")
	waitFor(t, func() bool { return s1.AudioChunkCount() > 0 }, "audio forwarded")
	if got := len(s1.AudioChunks[0]); got != 640 {
		t.Errorf("forwarded chunk = %d bytes, want upsampled 640", got)
	}

	s1.ResultsCh <- stt.Result{Kind: stt.KindTranscribed, Text: "bonjour le mo", Language: "fr"}
	s1.ResultsCh <- stt.Transcribed("bonjour", "fr", nil)

	tr := f.recv(t)
	if !tr.IsFinal || tr.Text != "bonjour" || tr.Seq != 0 {
		t.Errorf("transcript = %+v, want suppressed interim then final seq 0", tr)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
	if s1.CloseCount == 0 {
		t.Error("stream handle not closed on teardown")
	}
}

func TestStreamingEmitInterim(t *testing.T) {
	t.Parallel()

	s1 := sttmock.NewSession()
	stream := &sttmock.Stream{Sessions: []*sttmock.Session{s1}}
	f := newFixture(t, Params{Stream: stream, EmitInterim: true})

	f.push(t, 10, speechChunk)
	waitFor(t, func() bool { return stream.CallCount() == 1 }, "lazy stream open")

	s1.ResultsCh <- stt.Result{Kind: stt.KindTranscribed, Text: "bonjour le mo", Language: "fr"}
	s1.ResultsCh <- stt.Transcribed("bonjour", "fr", nil)
	s1.ResultsCh <- stt.Transcribed("ça marche", "fr", nil)

	interim := f.recv(t)
	if interim.IsFinal || interim.Text != "bonjour le mo" || interim.Seq != 0 {
		t.Errorf("interim = %+v, want non-final seq 0", interim)
	}
	first := f.recv(t)
	second := f.recv(t)
	if first.Seq != 0 || second.Seq != 1 {
		t.Errorf("final sequences = %d, %d, want 0, 1", first.Seq, second.Seq)
	}

	// Interims are never forwarded downstream.
	waitFor(t, func() bool { return len(f.submit.Calls()) == 2 }, "two submissions")

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}

func TestStreamingOffsetsAreSessionRelative(t *testing.T) {
	t.Parallel()

	s1 := sttmock.NewSession()
	stream := &sttmock.Stream{Sessions: []*sttmock.Session{s1}}
	// The direction sat silent for 5 s before the first speech chunk
	// opens the stream; provider timestamps restart at zero there.
	f := newFixture(t, Params{Stream: stream, Start: time.Now().Add(-5 * time.Second)})

	f.push(t, 10, speechChunk)
	waitFor(t, func() bool { return stream.CallCount() == 1 }, "lazy stream open")

	s1.ResultsCh <- stt.Result{
		Kind:     stt.KindTranscribed,
		Text:     "enfin quelqu'un parle",
		Language: "fr",
		IsFinal:  true,
		Start:    time.Second,
		Duration: 1500 * time.Millisecond,
	}

	tr := f.recv(t)
	// Session clock: ≥5 s of pre-speech idle plus the 1 s utterance
	// start inside the stream.
	if tr.StartOffset < 5.9 || tr.StartOffset > 7.0 {
		t.Errorf("StartOffset = %v, want ≈6.0 (idle lead included)", tr.StartOffset)
	}
	if tr.Duration != 1.5 {
		t.Errorf("Duration = %v, want 1.5", tr.Duration)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}

func TestStreamingReconnectOnce(t *testing.T) {
	t.Parallel()

	s1 := sttmock.NewSession()
	s2 := sttmock.NewSession()
	stream := &sttmock.Stream{Sessions: []*sttmock.Session{s1, s2}}
	f := newFixture(t, Params{Stream: stream})

	f.push(t, 10, speechChunk)
	waitFor(t, func() bool { return stream.CallCount() == 1 }, "lazy stream open")

	s1.ResultsCh <- stt.Transcribed("premier", "fr", nil)
	if tr := f.recv(t); tr.Seq != 0 {
		t.Fatalf("first Seq = %d", tr.Seq)
	}

	// Sever the provider connection; the reader reconnects once.
	s1.Close()
	waitFor(t, func() bool { return stream.CallCount() == 2 }, "reconnect")

	s2.ResultsCh <- stt.Transcribed("deuxième", "fr", nil)
	tr := f.recv(t)
	if tr.Text != "deuxième" || tr.Seq != 1 {
		t.Errorf("post-reconnect transcript = %+v, want seq 1", tr)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}

func TestStreamingReconnectFailureEndsTranscripts(t *testing.T) {
	t.Parallel()

	s1 := sttmock.NewSession()
	stream := &sttmock.Stream{
		Sessions: []*sttmock.Session{s1},
		Errs:     []error{nil, errors.New("connection refused")},
	}
	f := newFixture(t, Params{Stream: stream})

	f.push(t, 10, speechChunk)
	waitFor(t, func() bool { return stream.CallCount() == 1 }, "lazy stream open")

	s1.Close()
	waitFor(t, func() bool { return stream.CallCount() == 2 }, "reconnect attempt")

	// Audio keeps flowing without reopening a third stream.
	f.push(t, 10, speechChunk)
	f.recvNone(t, 100*time.Millisecond)
	if got := stream.CallCount(); got != 2 {
		t.Errorf("StartStream called %d times, want exactly one retry", got)
	}

	f.reg.Close("s1", registry.SpeakerTechnician, "stream_stop")
}
