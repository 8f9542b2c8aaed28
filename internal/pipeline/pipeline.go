// Package pipeline runs the per-direction audio path: decode inbound
// µ-law, meter energy, record, segment, transcribe, filter, and fan
// the resulting transcripts out through the session registry.
//
// One Direction serves one (session, speaker) pair. The media gateway
// pushes raw µ-law bytes; everything downstream runs on the
// direction's own workers so the socket reader never blocks.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/tkellem/callscribe/internal/agentpipe"
	"github.com/tkellem/callscribe/internal/config"
	"github.com/tkellem/callscribe/internal/filter"
	"github.com/tkellem/callscribe/internal/observe"
	"github.com/tkellem/callscribe/internal/recording"
	"github.com/tkellem/callscribe/internal/registry"
	"github.com/tkellem/callscribe/internal/segmenter"
	"github.com/tkellem/callscribe/pkg/audio"
	"github.com/tkellem/callscribe/pkg/provider/stt"
)

const (
	// ingressQueueDepth bounds decoded-chunk backlog, about five
	// seconds of audio. Overflow drops the oldest chunk; an audio gap
	// beats a stalled socket reader.
	ingressQueueDepth = 256

	// segmentQueueDepth bounds segments awaiting transcription. Full
	// means the provider is slower than speech for over a minute;
	// new segments are dropped with a warning.
	segmentQueueDepth = 8

	// closeGrace is how long teardown lets an in-flight provider call
	// finish before cancelling it.
	closeGrace = 5 * time.Second
)

// Params collects the dependencies of one Direction. Exactly one of
// Batch or Stream must be set.
type Params struct {
	Session *registry.Session
	Speaker registry.Speaker
	Start   time.Time

	Audio       config.AudioConfig
	Language    string
	EmitInterim bool
	Phrases     []string

	Batch  stt.BatchProvider
	Stream stt.StreamProvider
	Submit agentpipe.Submitter

	Recorder *recording.Pair
	Log      *slog.Logger
	Metrics  *observe.Metrics
}

// Direction is the running audio path for one side of a call.
type Direction struct {
	p   Params
	seg *segmenter.Segmenter

	ctx    context.Context
	cancel context.CancelFunc

	chunkCh   chan []byte
	segCh     chan *segmenter.Segment
	closing   chan struct{}
	chunkDone chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// finalSeq is only touched by the single result-producing worker
	// (batch worker or stream reader, depending on mode).
	finalSeq uint64

	streamMu   sync.Mutex
	stream     stt.StreamHandle
	streamDead bool
	retried    bool

	// streamBase is the session-clock offset, in seconds, at which the
	// current stream was opened. Provider timestamps are relative to
	// their stream, not to session start.
	streamBase float64
}

// New starts the workers for one direction and returns its handle.
func New(p Params) *Direction {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Direction{
		p:         p,
		ctx:       ctx,
		cancel:    cancel,
		chunkCh:   make(chan []byte, ingressQueueDepth),
		closing:   make(chan struct{}),
		chunkDone: make(chan struct{}),
	}
	if p.Batch != nil {
		d.seg = segmenter.New(segmenter.Config{
			SpeechStartRMS:     p.Audio.SpeechStartRMS,
			SilenceRMS:         p.Audio.SilenceRMS,
			SilenceHang:        p.Audio.SilenceHang,
			MinSpeechDuration:  p.Audio.MinSpeechDuration,
			MaxSegmentDuration: p.Audio.MaxSegmentDuration,
			SegmentRejectRMS:   p.Audio.SegmentRejectRMS,
		}, p.Start)
		d.segCh = make(chan *segmenter.Segment, segmentQueueDepth)
		d.wg.Add(1)
		go d.batchWorker()
	}
	go d.chunkWorker()
	return d
}

// Push enqueues one raw µ-law chunk from the provider socket. It never
// blocks; on a full queue the oldest chunk is dropped and counted.
func (d *Direction) Push(mulaw []byte) {
	select {
	case <-d.closing:
		return
	default:
	}
	for {
		select {
		case d.chunkCh <- mulaw:
			return
		default:
		}
		select {
		case <-d.chunkCh:
			d.p.Metrics.RecordDrop(d.ctx, "ingress_overflow")
		default:
		}
	}
}

func (d *Direction) chunkWorker() {
	defer close(d.chunkDone)
	for {
		select {
		case <-d.closing:
			d.finishChunks()
			return
		case b := <-d.chunkCh:
			d.handleChunk(b)
		}
	}
}

// finishChunks processes any chunks still queued at teardown, flushes
// the segmenter, and closes the segment queue so the batch worker can
// drain and exit.
func (d *Direction) finishChunks() {
	for {
		select {
		case b := <-d.chunkCh:
			d.handleChunk(b)
			continue
		default:
		}
		break
	}
	if d.seg == nil {
		return
	}
	if seg := d.seg.Flush(); seg != nil {
		d.enqueueSegment(seg)
	}
	close(d.segCh)
}

func (d *Direction) handleChunk(mulaw []byte) {
	now := time.Now()
	pcm := audio.DecodeMuLaw(mulaw)
	rms := audio.RMS(pcm)

	d.p.Session.AddChunk()
	d.p.Session.Touch()
	d.p.Metrics.AudioChunks.Add(d.ctx, 1,
		metric.WithAttributes(observe.Attr("speaker", string(d.p.Speaker))))
	d.p.Recorder.WriteChunk(pcm)

	if d.p.Stream != nil {
		d.feedStream(pcm, rms)
		return
	}
	if seg := d.seg.Push(pcm, rms, now); seg != nil {
		d.enqueueSegment(seg)
	}
}

func (d *Direction) enqueueSegment(seg *segmenter.Segment) {
	select {
	case d.segCh <- seg:
	default:
		d.p.Log.Warn("segment queue full, dropping segment",
			"session_id", d.p.Session.ID,
			"speaker", string(d.p.Speaker),
			"seq", seg.Seq)
		d.p.Metrics.RecordDrop(d.ctx, "segment_queue_full")
	}
}

func (d *Direction) batchWorker() {
	defer d.wg.Done()
	for seg := range d.segCh {
		d.processSegment(seg)
	}
}

func (d *Direction) processSegment(seg *segmenter.Segment) {
	d.p.Session.AddSegment()
	d.p.Metrics.Segments.Add(d.ctx, 1,
		metric.WithAttributes(observe.Attr("speaker", string(d.p.Speaker))))
	d.p.Metrics.SegmentDuration.Record(d.ctx, seg.Duration)

	// The one and only sample-rate conversion for this segment.
	pcm16 := audio.Upsample8to16(seg.PCM)

	began := time.Now()
	res, err := d.p.Batch.Transcribe(d.ctx, pcm16, d.p.Language)
	d.p.Metrics.STTDuration.Record(d.ctx, time.Since(began).Seconds(),
		metric.WithAttributes(
			observe.Attr("backend", "batch"),
			observe.Attr("status", string(res.Kind))))
	if err != nil {
		d.p.Log.Error("batch transcription failed",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "error", err)
		return
	}

	switch res.Kind {
	case stt.KindTranscribed:
		d.emit(res, seg.StartOffset, seg.Duration)
	case stt.KindTransient:
		d.p.Metrics.RecordSTTError(d.ctx, "transient")
		d.p.Log.Warn("segment lost to transient provider fault",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker),
			"seq", seg.Seq, "reason", res.Reason)
	case stt.KindFatal:
		d.p.Metrics.RecordSTTError(d.ctx, "fatal")
		d.p.Log.Error("provider rejected segment",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker),
			"seq", seg.Seq, "reason", res.Reason)
	}
}

// emit applies the hallucination filter, stamps the sequence number,
// publishes to subscribers, and forwards finals downstream. Interim
// results carry the sequence of the final they will become and do not
// advance the counter.
func (d *Direction) emit(res stt.Result, startOffset, duration float64) {
	if rule, rejected := filter.Hallucination(res.Text, d.p.Phrases); rejected {
		d.p.Metrics.RecordHallucination(d.ctx, rule)
		d.p.Log.Debug("transcript rejected by hallucination filter",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "rule", rule)
		return
	}
	if !res.IsFinal && !d.p.EmitInterim {
		return
	}

	lang := res.Language
	if lang == "" {
		lang = d.p.Language
	}
	t := registry.Transcript{
		SessionID:   d.p.Session.ID,
		Speaker:     d.p.Speaker,
		Text:        res.Text,
		Language:    lang,
		Confidence:  res.Confidence,
		IsFinal:     res.IsFinal,
		StartOffset: startOffset,
		Duration:    duration,
		Timestamp:   time.Now().UTC(),
		Seq:         d.finalSeq,
	}
	if res.IsFinal {
		d.finalSeq++
	}

	d.p.Session.AddTranscript()
	d.p.Metrics.RecordTranscript(d.ctx, string(d.p.Speaker), res.IsFinal)
	d.p.Session.Publish(t)

	if res.IsFinal {
		if err := d.p.Submit.Submit(d.ctx, d.p.Session.ID, string(d.p.Speaker), t.Text, t.Language); err != nil {
			d.p.Log.Warn("agent pipeline submission failed",
				"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker),
				"seq", t.Seq, "error", err)
		}
	}
}

// feedStream lazily opens the provider stream on the first energetic
// chunk and forwards audio continuously. Streaming mode bypasses
// segment accumulation, so here each chunk is upsampled on its own;
// the whole-segment conversion rule applies to the batch path.
func (d *Direction) feedStream(pcm []byte, rms float64) {
	d.streamMu.Lock()
	if d.stream == nil {
		if d.streamDead || rms < float64(d.p.Audio.SpeechStartRMS) {
			d.streamMu.Unlock()
			return
		}
		h, err := d.p.Stream.StartStream(d.ctx, stt.StreamConfig{
			SampleRate: audio.STTRate,
			Language:   d.p.Language,
		})
		if err != nil {
			d.streamDead = true
			d.streamMu.Unlock()
			d.p.Metrics.StreamsTerminated.Add(d.ctx, 1)
			d.p.Log.Error("streaming transcription unavailable",
				"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "error", err)
			return
		}
		d.stream = h
		d.streamBase = time.Since(d.p.Start).Seconds()
		d.p.Metrics.ActiveStreams.Add(d.ctx, 1)
		d.wg.Add(1)
		go d.streamReader()
	}
	h := d.stream
	d.streamMu.Unlock()

	if err := h.SendAudio(audio.Upsample8to16(pcm)); err != nil && !errors.Is(err, stt.ErrClosed) {
		d.p.Log.Debug("stream write failed",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "error", err)
	}
}

// streamReader consumes provider results until the stream ends. A
// dropped connection gets exactly one reconnect attempt; after a
// second failure the transcript stream for this direction is over,
// while audio handling and recording continue.
func (d *Direction) streamReader() {
	defer d.wg.Done()
	for {
		d.streamMu.Lock()
		h := d.stream
		d.streamMu.Unlock()
		if h == nil {
			return
		}

		for res := range h.Results() {
			d.handleStreamResult(res)
		}

		select {
		case <-d.closing:
			return
		default:
		}

		d.streamMu.Lock()
		if d.retried {
			d.stream = nil
			d.streamDead = true
			d.streamMu.Unlock()
			d.p.Metrics.ActiveStreams.Add(d.ctx, -1)
			d.p.Metrics.StreamsTerminated.Add(d.ctx, 1)
			d.p.Log.Error("streaming transcription ended after failed reconnect",
				"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker))
			return
		}
		d.retried = true
		d.streamMu.Unlock()

		d.p.Log.Warn("stream dropped, reconnecting",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker))
		nh, err := d.p.Stream.StartStream(d.ctx, stt.StreamConfig{
			SampleRate: audio.STTRate,
			Language:   d.p.Language,
		})
		d.streamMu.Lock()
		if err != nil {
			d.stream = nil
			d.streamDead = true
			d.streamMu.Unlock()
			d.p.Metrics.ActiveStreams.Add(d.ctx, -1)
			d.p.Metrics.StreamsTerminated.Add(d.ctx, 1)
			d.p.Log.Error("stream reconnect failed",
				"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "error", err)
			return
		}
		d.stream = nh
		d.streamBase = time.Since(d.p.Start).Seconds()
		d.streamMu.Unlock()

		// Teardown may have raced the reconnect; close the fresh
		// handle so the next read loop drains and exits.
		select {
		case <-d.closing:
			nh.Close()
		default:
		}
	}
}

func (d *Direction) handleStreamResult(res stt.Result) {
	switch res.Kind {
	case stt.KindTranscribed:
		d.streamMu.Lock()
		base := d.streamBase
		d.streamMu.Unlock()
		d.emit(res, base+res.Start.Seconds(), res.Duration.Seconds())
	case stt.KindTransient:
		d.p.Metrics.RecordSTTError(d.ctx, "transient")
		d.p.Log.Warn("transient streaming fault",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "reason", res.Reason)
	case stt.KindFatal:
		d.p.Metrics.RecordSTTError(d.ctx, "fatal")
		d.p.Log.Error("fatal streaming fault",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "reason", res.Reason)
	}
}

// Close drains the direction: no new chunks are accepted, the pending
// segment is flushed, in-flight provider calls get a short grace
// before cancellation, and the recorders are closed. Idempotent; safe
// to use as the registry's direction close hook.
func (d *Direction) Close(reason string) {
	d.closeOnce.Do(func() {
		close(d.closing)
		<-d.chunkDone

		// Closing the handle flushes any pending final, which the
		// reader delivers before its channel closes.
		d.streamMu.Lock()
		h := d.stream
		d.streamMu.Unlock()
		if h != nil {
			if err := h.Close(); err != nil {
				d.p.Log.Debug("stream close", "session_id", d.p.Session.ID, "error", err)
			}
			d.p.Metrics.ActiveStreams.Add(context.Background(), -1)
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(closeGrace):
			d.cancel()
			<-done
		}
		d.cancel()

		d.p.Recorder.Close()
		d.p.Log.Info("direction pipeline drained",
			"session_id", d.p.Session.ID, "speaker", string(d.p.Speaker), "reason", reason)
	})
}
