// Package deepgram implements the streaming STT backend against the
// Deepgram realtime WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tkellem/callscribe/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000

	// connectTimeout bounds the WebSocket dial.
	connectTimeout = 10 * time.Second

	// keepaliveInterval is how often an idle session pings the provider
	// so it does not close the socket between utterances.
	keepaliveInterval = 20 * time.Second

	// closeWait bounds how long Close waits for the provider to finish
	// the close handshake after CloseStream before severing the socket.
	closeWait = 2 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests to
// point at a local server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.StreamProvider backed by Deepgram.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

var _ stt.StreamProvider = (*Provider)(nil)

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials the streaming endpoint and returns a live session.
// The dial is bounded by a 10 s timeout regardless of ctx.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.StreamHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	language := cfg.Language
	s := &session{
		conn:     conn,
		language: language,
		results:  make(chan stt.Result, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----------------------------------------------------------------

// response is the Deepgram Results event payload.
type response struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram stream. It implements stt.StreamHandle.
type session struct {
	conn     *websocket.Conn
	language string

	results chan stt.Result
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a 16 kHz PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrClosed
	}
}

// Results returns the channel of interim and final results.
func (s *session) Results() <-chan stt.Result { return s.results }

// Close asks Deepgram to flush pending audio, waits for both loops, and
// closes the connection. A provider that never closes its side after
// CloseStream is severed after closeWait so teardown cannot hang. Safe
// to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))

		loops := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(loops)
		}()
		select {
		case <-loops:
		case <-time.After(closeWait):
			s.conn.CloseNow()
			<-loops
		}
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop forwards audio to the socket and keeps the connection alive
// while no audio is flowing.
func (s *session) writeLoop() {
	defer s.wg.Done()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := context.Background()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepalive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.done:
			// Drain queued audio so CloseStream flushes everything.
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop parses provider messages into results. A read error after
// Close is a normal teardown; before Close it surfaces as a transient
// result so the pipeline can attempt its single reconnect.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.results)

	ctx := context.Background()
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.deliver(stt.Transient("deepgram: read: " + err.Error()))
			}
			return
		}
		if r, ok := s.parse(msg); ok {
			s.deliver(r)
		}
	}
}

// deliver prefers the buffered send so the final flushed by Close is
// never lost to the done signal; it only gives up when the consumer has
// stopped draining.
func (s *session) deliver(r stt.Result) {
	select {
	case s.results <- r:
		return
	default:
	}
	select {
	case s.results <- r:
	case <-s.done:
	}
}

// parse converts a raw provider message into a Result. Empty-transcript
// events (silence commits) are dropped here; the hallucination filter
// upstream handles the rest.
func (s *session) parse(msg []byte) (stt.Result, bool) {
	var resp response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return stt.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Result{}, false
	}

	conf := alt.Confidence
	return stt.Result{
		Kind:       stt.KindTranscribed,
		Text:       alt.Transcript,
		Language:   s.language,
		Confidence: &conf,
		IsFinal:    resp.IsFinal,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
	}, true
}
