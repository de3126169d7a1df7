package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendEmitsThreadingHeaders(t *testing.T) {
	var captured sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mail/send" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sg-key" {
			t.Errorf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClientWithBaseURL("sg-key", "journal@quillpost.app", "Quillpost", "mail.quillpost.app", server.URL)
	id, err := c.Send(context.Background(), Email{
		To:         "bob@example.com",
		Subject:    "Re: my day",
		Content:    "Thanks for sharing.",
		InReplyTo:  "reply-1@example.com",
		References: "<out-1@mail.quillpost.app> <reply-1@example.com>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if !strings.HasSuffix(id, "@mail.quillpost.app") {
		t.Errorf("message id = %q, want domain suffix", id)
	}
	if strings.ContainsAny(id, "<>") {
		t.Errorf("returned id carries brackets: %q", id)
	}

	if captured.Headers["Message-ID"] != "<"+id+">" {
		t.Errorf("Message-ID header = %q", captured.Headers["Message-ID"])
	}
	if captured.Headers["In-Reply-To"] != "<reply-1@example.com>" {
		t.Errorf("In-Reply-To header = %q", captured.Headers["In-Reply-To"])
	}
	if captured.Headers["References"] != "<out-1@mail.quillpost.app> <reply-1@example.com>" {
		t.Errorf("References header = %q", captured.Headers["References"])
	}

	if len(captured.Personalizations) != 1 || len(captured.Personalizations[0].To) != 1 {
		t.Fatalf("personalizations = %+v", captured.Personalizations)
	}
	if captured.Personalizations[0].To[0].Email != "bob@example.com" {
		t.Errorf("to = %q", captured.Personalizations[0].To[0].Email)
	}
	if captured.From.Email != "journal@quillpost.app" || captured.From.Name != "Quillpost" {
		t.Errorf("from = %+v", captured.From)
	}
	if len(captured.Content) != 1 || captured.Content[0].Type != "text/plain" {
		t.Errorf("content = %+v", captured.Content)
	}
}

func TestSendOmitsEmptyThreadingHeaders(t *testing.T) {
	var captured sendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClientWithBaseURL("k", "journal@quillpost.app", "", "mail.quillpost.app", server.URL)
	if _, err := c.Send(context.Background(), Email{To: "new@example.com", Subject: "Welcome", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, ok := captured.Headers["In-Reply-To"]; ok {
		t.Error("In-Reply-To set on a fresh thread")
	}
	if _, ok := captured.Headers["References"]; ok {
		t.Error("References set on a fresh thread")
	}
	if captured.Headers["Message-ID"] == "" {
		t.Error("Message-ID missing")
	}
}

func TestSendUniqueMessageIDs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	c := NewClientWithBaseURL("k", "journal@quillpost.app", "", "mail.quillpost.app", server.URL)
	a, err := c.Send(context.Background(), Email{To: "x@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	b, err := c.Send(context.Background(), Email{To: "x@example.com"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if a == b {
		t.Error("two sends produced the same message id")
	}
}

func TestSendErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errors":[{"message":"bad key"}]}`))
	}))
	defer server.Close()

	c := NewClientWithBaseURL("bad", "journal@quillpost.app", "", "mail.quillpost.app", server.URL)
	_, err := c.Send(context.Background(), Email{To: "x@example.com"})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}
