package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestCountUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want Count
	}{
		{`42`, 42},
		{`"42"`, 42},
		{`"0"`, 0},
		{`null`, 0},
	}
	for _, tc := range cases {
		var c Count
		if err := json.Unmarshal([]byte(tc.in), &c); err != nil {
			t.Errorf("Unmarshal(%s) failed: %v", tc.in, err)
			continue
		}
		if c != tc.want {
			t.Errorf("Unmarshal(%s) = %d, want %d", tc.in, c, tc.want)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	in := Time{Time: time.Date(2024, 9, 2, 14, 30, 5, 0, time.UTC)}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got, want := string(data), `"2024-09-02 14:30:05"`; got != want {
		t.Errorf("Marshal = %s, want %s", got, want)
	}
	var out Time
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip changed time: %v != %v", out, in)
	}
}

func TestFolderOpposite(t *testing.T) {
	if got := Inbox.Opposite(); got != Sent {
		t.Errorf("Inbox.Opposite() = %v, want %v", got, Sent)
	}
	if got := Sent.Opposite(); got != Inbox {
		t.Errorf("Sent.Opposite() = %v, want %v", got, Inbox)
	}
}

func TestPageUnmarshal(t *testing.T) {
	raw := `{
		"total": "123",
		"count": 1,
		"messages": [{
			"id": "900",
			"subject": "Homework",
			"user_from": {"name": "t1", "firstname": "Anna", "lastname": "Petrova"},
			"date": "2024-09-02 14:30:05",
			"unread": true,
			"with_files": false
		}]
	}`
	var p Page
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want := Page{
		Total: 123,
		Count: 1,
		Messages: []*Message{{Preview: Preview{
			ID:      "900",
			Subject: "Homework",
			From:    Person{ID: "t1", FirstName: "Anna", LastName: "Petrova"},
			Date:    Time{Time: time.Date(2024, 9, 2, 14, 30, 5, 0, time.UTC)},
			Unread:  true,
		}}},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("page mismatch (-want +got):\n%s", diff)
	}
}

func TestHasBody(t *testing.T) {
	msg := &Message{}
	if msg.HasBody() {
		t.Error("empty message claims to have a body")
	}
	msg.Text = "hello"
	if !msg.HasBody() {
		t.Error("message with text claims no body")
	}
}
