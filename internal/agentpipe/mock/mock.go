// Package mock provides an in-memory Submitter for tests.
package mock

import (
	"context"
	"sync"
)

// Call records one submission.
type Call struct {
	SessionID string
	Speaker   string
	Text      string
	Language  string
}

// Submitter records every call and optionally fails them.
type Submitter struct {
	mu    sync.Mutex
	calls []Call

	// Err, when set, is returned by every Submit.
	Err error
}

func (s *Submitter) Submit(_ context.Context, sessionID, speaker, text, language string) error {
	s.mu.Lock()
	s.calls = append(s.calls, Call{SessionID: sessionID, Speaker: speaker, Text: text, Language: language})
	s.mu.Unlock()
	return s.Err
}

// Calls returns a copy of the recorded submissions.
func (s *Submitter) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}
