package registry

import (
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return New(0, nil, slog.New(slog.DiscardHandler))
}

func TestOpenSameDirectionTwice(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	if _, err := r.Open("s1", SpeakerTechnician, nil); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := r.Open("s1", SpeakerTechnician, nil); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("second Open err = %v, want ErrAlreadyBound", err)
	}
	// The other direction is still free.
	if _, err := r.Open("s1", SpeakerAgent, nil); err != nil {
		t.Fatalf("agent Open: %v", err)
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	if _, err := r.Subscribe("nope", Filter{}); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err = %v, want ErrUnknownSession", err)
	}
}

func TestCloseRunsOnCloseOnce(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	calls := 0
	reason := ""
	if _, err := r.Open("s1", SpeakerTechnician, func(rsn string) {
		calls++
		reason = rsn
	}); err != nil {
		t.Fatal(err)
	}
	r.Close("s1", SpeakerTechnician, "stream_stop")
	r.Close("s1", SpeakerTechnician, "stream_stop")
	if calls != 1 {
		t.Errorf("onClose ran %d times, want 1", calls)
	}
	if reason != "stream_stop" {
		t.Errorf("reason = %q", reason)
	}
	if _, ok := r.Lookup("s1"); ok {
		t.Error("session should be removed after its only direction closed")
	}
}

func TestSessionSurvivesUntilLastDirection(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Open("s1", SpeakerTechnician, nil)
	r.Open("s1", SpeakerAgent, nil)
	r.Close("s1", SpeakerTechnician, "stream_stop")
	if _, ok := r.Lookup("s1"); !ok {
		t.Fatal("session removed while agent direction still bound")
	}
	r.Close("s1", SpeakerAgent, "stream_stop")
	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("session should be gone")
	}
}

func TestSubscriberEndedOnSessionClose(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	r.Open("s1", SpeakerTechnician, nil)
	sub, err := r.Subscribe("s1", Filter{})
	if err != nil {
		t.Fatal(err)
	}
	r.CloseSession("s1", "idle_timeout")
	select {
	case <-sub.Ended:
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified of session end")
	}
	if sub.Reason() != "idle_timeout" {
		t.Errorf("Reason = %q, want idle_timeout", sub.Reason())
	}
}

func TestPublishFilters(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Open("s1", SpeakerTechnician, nil)

	finalsOnly, _ := r.Subscribe("s1", Filter{})
	techOnly, _ := r.Subscribe("s1", Filter{Speakers: []Speaker{SpeakerTechnician}})
	withInterim, _ := r.Subscribe("s1", Filter{Interim: true})

	s.Publish(Transcript{Speaker: SpeakerTechnician, IsFinal: false, Text: "inter"})
	s.Publish(Transcript{Speaker: SpeakerAgent, IsFinal: true, Text: "agent"})
	s.Publish(Transcript{Speaker: SpeakerTechnician, IsFinal: true, Text: "tech"})

	if got := drain(finalsOnly); len(got) != 2 {
		t.Errorf("finals-only got %d transcripts, want 2", len(got))
	}
	got := drain(techOnly)
	if len(got) != 1 || got[0].Text != "tech" {
		t.Errorf("tech-only got %v", got)
	}
	if got := drain(withInterim); len(got) != 3 {
		t.Errorf("interim subscriber got %d transcripts, want 3", len(got))
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Open("s1", SpeakerTechnician, nil)

	fast, _ := r.Subscribe("s1", Filter{})
	slow, _ := r.Subscribe("s1", Filter{})

	// The fast subscriber drains between batches that fit its queue;
	// the slow one never reads.
	var got []Transcript
	for i := 0; i < 200; i++ {
		s.Publish(Transcript{Speaker: SpeakerTechnician, IsFinal: true, Seq: uint64(i)})
		if (i+1)%50 == 0 {
			got = append(got, drain(fast)...)
		}
	}
	if len(got) != 200 {
		t.Fatalf("fast subscriber got %d transcripts, want 200", len(got))
	}
	for i, tr := range got {
		if tr.Seq != uint64(i) {
			t.Fatalf("fast subscriber out of order at %d: seq %d", i, tr.Seq)
		}
	}

	queued := drain(slow)
	if len(queued) == 0 || len(queued) > 64 {
		t.Fatalf("slow subscriber holds %d transcripts, want 1..64", len(queued))
	}
	// Drop-oldest keeps the tail of the sequence, still in order.
	for i := 1; i < len(queued); i++ {
		if queued[i].Seq <= queued[i-1].Seq {
			t.Fatalf("slow subscriber out of order: %d after %d", queued[i].Seq, queued[i-1].Seq)
		}
	}
	if queued[len(queued)-1].Seq != 199 {
		t.Errorf("slow subscriber tail seq = %d, want 199", queued[len(queued)-1].Seq)
	}
	if slow.Drops() == 0 {
		t.Error("expected drop counter to advance")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	r := newTestRegistry()
	s, _ := r.Open("s1", SpeakerTechnician, nil)
	s.SetStreamID("MZ123")
	s.AddChunk()
	s.AddChunk()
	s.AddSegment()
	s.AddTranscript()

	st, err := r.Snapshot("s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.StreamID != "MZ123" || st.ChunksReceived != 2 || st.Segments != 1 || st.Transcripts != 1 {
		t.Errorf("snapshot = %+v", st)
	}
	if len(st.Directions) != 1 || st.Directions[0] != SpeakerTechnician {
		t.Errorf("directions = %v", st.Directions)
	}

	if _, err := r.Snapshot("absent"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func drain(sub *Subscription) []Transcript {
	var got []Transcript
	for {
		select {
		case tr := <-sub.C:
			got = append(got, tr)
		default:
			return got
		}
	}
}
