package eljur

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ivmosin/dnevnik/internal/message"

	"github.com/rs/zerolog"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "testkey", srv.Client(), zerolog.Nop())
}

func envelopeJSON(state int, result string) string {
	return fmt.Sprintf(`{"response": {"state": %d, "error": "", "result": %s}}`, state, result)
}

func TestListMessages(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.URL.Path, "/getmessages"; got != want {
			t.Errorf("path = %q, want %q", got, want)
		}
		q := r.URL.Query()
		if got, want := q.Get("folder"), "inbox"; got != want {
			t.Errorf("folder = %q, want %q", got, want)
		}
		if got, want := q.Get("auth_token"), "tok"; got != want {
			t.Errorf("auth_token = %q, want %q", got, want)
		}
		if got, want := q.Get("devkey"), "testkey"; got != want {
			t.Errorf("devkey = %q, want %q", got, want)
		}
		if got, want := q.Get("page"), "2"; got != want {
			t.Errorf("page = %q, want %q", got, want)
		}
		fmt.Fprint(w, envelopeJSON(200, `{
			"total": "7",
			"count": 1,
			"messages": [{"id": "m1", "subject": "s",
				"date": "2024-09-02 10:00:00", "unread": false}]
		}`))
	})

	page, err := client.ListMessages(context.Background(), Auth{Token: "tok"}, message.Inbox, 2, 10, false)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if page.Total != 7 {
		t.Errorf("total = %d, want 7", page.Total)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Errorf("unexpected messages: %+v", page.Messages)
	}
}

func TestGetMessageDerivesWithFiles(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelopeJSON(200, `{"message": {
			"id": "m1", "subject": "s", "date": "2024-09-02 10:00:00",
			"text": "body", "files": [{"filename": "a.pdf", "link": "http://x/a"}]
		}}`))
	})
	msg, err := client.GetMessage(context.Background(), Auth{Token: "tok"}, "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if !msg.WithFiles {
		t.Error("WithFiles not derived from the attachment list")
	}
	if msg.Text != "body" {
		t.Errorf("text = %q, want %q", msg.Text, "body")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(error) bool
	}{
		{
			name: "http error is unavailable",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			check: func(err error) bool { return !IsAuthExpired(err) && !IsNotFound(err) },
		},
		{
			name: "envelope auth rejection",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"response": {"state": 401, "error": "token expired", "result": null}}`)
			},
			check: IsAuthExpired,
		},
		{
			name: "envelope not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"response": {"state": 404, "error": "no such message", "result": null}}`)
			},
			check: IsNotFound,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, tc.handler)
			_, err := client.ListMessages(context.Background(), Auth{Token: "tok"}, message.Inbox, 1, 10, false)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tc.check(err) {
				t.Errorf("wrong error kind: %v", err)
			}
		})
	}
}

func TestHomeworkDateKeys(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, envelopeJSON(200, `{"students": {"1001": {"days": {
			"20240902": {"title": "Monday"}
		}}}}`))
	})
	hw, err := client.Homework(context.Background(), Auth{Token: "tok"})
	if err != nil {
		t.Fatalf("Homework failed: %v", err)
	}
	if _, ok := hw["02.09.2024"]; !ok {
		t.Errorf("date key not rewritten: %v", hw)
	}
}

func TestAuthenticate(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			if r.Method != http.MethodPost {
				t.Errorf("auth method = %s, want POST", r.Method)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("bad auth form: %v", err)
			}
			if got, want := r.PostForm.Get("login"), "student"; got != want {
				t.Errorf("login = %q, want %q", got, want)
			}
			fmt.Fprint(w, envelopeJSON(200, `{"token": "fresh", "expires": "2030-01-01 00:00:00"}`))
		case "/getrules":
			if got, want := r.URL.Query().Get("auth_token"), "fresh"; got != want {
				t.Errorf("profile fetched with token %q, want %q", got, want)
			}
			fmt.Fprint(w, envelopeJSON(200, `{"name": "1001", "firstname": "Ivan", "lastname": "Sidorov"}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	})

	token, profile, err := client.Authenticate(context.Background(), "student", "pw", "school")
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if token.Value != "fresh" {
		t.Errorf("token = %q, want %q", token.Value, "fresh")
	}
	if !token.Valid() {
		t.Error("token reported invalid before expiry")
	}
	if profile.FirstName != "Ivan" || profile.Login != "student" || profile.Vendor != "school" {
		t.Errorf("unexpected profile: %+v", profile)
	}
}
