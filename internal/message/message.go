package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used by the journal API.
const TimeLayout = "2006-01-02 15:04:05"

// Folder names one of the two message containers on the remote side.
type Folder string

const (
	Inbox Folder = "inbox"
	Sent  Folder = "sent"
)

// Folders lists every folder mirrored locally.
var Folders = []Folder{Inbox, Sent}

// Opposite returns the counterpart folder: sent for inbox, inbox for
// sent.
func (f Folder) Opposite() Folder {
	if f == Inbox {
		return Sent
	}
	return Inbox
}

// Time wraps time.Time with the JSON codec for the API's
// "2006-01-02 15:04:05" representation.
type Time struct {
	time.Time
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(TimeLayout))
}

// Equal reports whether the two instants are the same.
func (t Time) Equal(u Time) bool {
	return t.Time.Equal(u.Time)
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// Count is an integer that the API serializes sometimes as a JSON
// number and sometimes as a quoted string.
type Count int

func (c Count) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(c))
}

func (c *Count) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c = Count(n)
	return nil
}

// Person identifies one journal user as the API reports message
// participants.
type Person struct {
	// Opaque account identifier ("name" in the API's terms).
	ID         string `json:"name"`
	FirstName  string `json:"firstname"`
	MiddleName string `json:"middlename"`
	LastName   string `json:"lastname"`
}

// File is one attachment reference on a full message.
type File struct {
	Filename string `json:"filename"`
	Link     string `json:"link"`
}

// Preview is the metadata of a message as returned by the remote list
// call.  The body is absent until backfilled.
type Preview struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	From      Person   `json:"user_from"`
	To        []Person `json:"user_to,omitempty"`
	Date      Time     `json:"date"`
	Unread    bool     `json:"unread"`
	WithFiles bool     `json:"with_files"`
}

// Message is a complete message, including the body text and the
// attachment list.
type Message struct {
	Preview
	Text  string `json:"text"`
	Files []File `json:"files,omitempty"`
}

// HasBody reports whether the body has been fetched for this message.
func (m *Message) HasBody() bool {
	return m.Text != ""
}

// Page is the shape of one remote list response, reproduced locally so
// chat-facing code can page through the cache the same way it would
// page through the API.
type Page struct {
	Total    Count      `json:"total"`
	Count    Count      `json:"count"`
	Messages []*Message `json:"messages"`
}

// PendingBody marks one message whose preview is stored but whose body
// has not been fetched yet.
type PendingBody struct {
	UserID int64
	Folder Folder
	ID     string
}

// Profile holds the per-account fields loaded once at session
// construction.
type Profile struct {
	UserID     int64
	Login      string
	Vendor     string
	FirstName  string `json:"firstname"`
	MiddleName string `json:"middlename"`
	LastName   string `json:"lastname"`
	Name       string `json:"name"`
}

// Token is an opaque access token with its server-side expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// Valid reports whether the token is present and not yet expired.
func (t Token) Valid() bool {
	return t.Value != "" && time.Now().Before(t.Expiry)
}
