package agentpipe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSubmit(t *testing.T) {
	t.Parallel()

	var got submission
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	err := c.Submit(context.Background(), "s1", "technician", "le modem redémarre", "fr")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if auth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.SessionID != "s1" || got.Speaker != "technician" || got.Language != "fr" {
		t.Errorf("submission = %+v", got)
	}
}

func TestClientSubmitErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	if err := c.Submit(context.Background(), "s1", "technician", "x", "fr"); err == nil {
		t.Fatal("expected an error on 500")
	}
}
