package session

// This file defines the remote-journal collaborator interfaces the
// session consumes.  The concrete implementation is *eljur.Client;
// tests substitute fakes.

import (
	"context"
	"encoding/json"

	"github.com/ivmosin/dnevnik/internal/eljur"
	"github.com/ivmosin/dnevnik/internal/message"
)

// MessageLister lists message previews from the remote journal.
type MessageLister interface {
	ListMessages(ctx context.Context, auth eljur.Auth, folder message.Folder, page, limit int, unreadOnly bool) (*message.Page, error)
}

// MessageGetter fetches one full message.  Fetching an unread message
// marks it read on the remote side; callers gate on that.
type MessageGetter interface {
	GetMessage(ctx context.Context, auth eljur.Auth, id string) (*message.Message, error)
}

// MessageSender sends new messages and replies.
type MessageSender interface {
	SendMessage(ctx context.Context, auth eljur.Auth, usersTo, subject, text string) error
	ReplyMessage(ctx context.Context, auth eljur.Auth, replyTo, text string) error
}

// JournalReader reads the non-message journal surfaces.
type JournalReader interface {
	Homework(ctx context.Context, auth eljur.Auth) (eljur.DayMap, error)
	Schedule(ctx context.Context, auth eljur.Auth) (eljur.DayMap, error)
	Marks(ctx context.Context, auth eljur.Auth, lastPeriod bool) (json.RawMessage, error)
}

// Authenticator performs the credential handshake.
type Authenticator interface {
	Authenticate(ctx context.Context, login, password, vendor string) (*message.Token, *message.Profile, error)
}

// Remote provides all possible actions against the remote journal.
type Remote interface {
	MessageLister
	MessageGetter
	MessageSender
	JournalReader
	Authenticator
}
