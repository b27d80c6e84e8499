// Package eljur implements a client for the Eljur school-journal REST
// API.  Every call takes a limiter token first; the remote side is
// rate limited per dev key and responds with throttling errors when
// hammered.
package eljur

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ivmosin/dnevnik/internal/message"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.eljur.ru/api"
	DefaultVendor  = "eljur"

	// Request costs against the client-side limiter.  List and
	// detail calls are the bulk traffic; the rest are rare.
	costList = 1
	costGet  = 2
	costSend = 2
	costAuth = 5

	ratePerSecond = 3
	rateBurst     = 10
)

var (
	// ErrUnavailable covers transport failures, timeouts and
	// non-200 responses.  Sweeps absorb it and retry later.
	ErrUnavailable = errors.New("eljur: service unavailable")

	// ErrAuthExpired means the access token was rejected.  This
	// one must reach the chat-facing layer so it can restart the
	// login flow.
	ErrAuthExpired = errors.New("eljur: auth token expired")

	// ErrNotFound means the requested message does not exist on
	// the remote side.
	ErrNotFound = errors.New("eljur: message not found")
)

// IsAuthExpired reports whether err was caused by a rejected token.
func IsAuthExpired(err error) bool {
	return errors.Cause(err) == ErrAuthExpired
}

// IsNotFound reports whether err was caused by a missing message.
func IsNotFound(err error) bool {
	return errors.Cause(err) == ErrNotFound
}

// Auth carries the per-user request credentials.  The session owns
// them; the client is stateless across users.
type Auth struct {
	Token  string
	Vendor string
}

// Period is one grading period as reported by getperiods.
type Period struct {
	Name  string `json:"name"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// DayMap maps a "dd.mm.yyyy" date to that day's payload (lessons with
// homework entries, or schedule items).  The payload shape is owned by
// the presentation layer, so it stays raw here.
type DayMap map[string]json.RawMessage

// Client speaks the journal API over HTTP.
type Client struct {
	baseURL string
	devKey  string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// New returns a Client for the given API base URL and developer key.
// A nil httpClient selects http.DefaultClient.
func New(baseURL, devKey string, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		devKey:  devKey,
		http:    httpClient,
		limiter: rate.NewLimiter(ratePerSecond, rateBurst),
		log:     log.With().Str("component", "eljur").Logger(),
	}
}

type envelope struct {
	Response struct {
		State  int             `json:"state"`
		Error  string          `json:"error"`
		Result json.RawMessage `json:"result"`
	} `json:"response"`
}

func (c *Client) params(auth Auth) url.Values {
	v := url.Values{}
	v.Set("devkey", c.devKey)
	v.Set("out_format", "json")
	if auth.Token != "" {
		v.Set("auth_token", auth.Token)
	}
	vendor := auth.Vendor
	if vendor == "" {
		vendor = DefaultVendor
	}
	v.Set("vendor", vendor)
	return v
}

// get performs one API GET and unwraps the response envelope.
func (c *Client) get(ctx context.Context, cost int, path string, v url.Values) (json.RawMessage, error) {
	if err := c.limiter.WaitN(ctx, cost); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path+"?"+v.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s request", path)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s: %v", path, err)
	}
	defer resp.Body.Close()
	return c.unwrap(path, resp)
}

func (c *Client) unwrap(path string, resp *http.Response) (json.RawMessage, error) {
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, errors.Wrapf(ErrAuthExpired, "%s: http %d", path, resp.StatusCode)
		}
		return nil, errors.Wrapf(ErrUnavailable, "%s: http %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "%s: reading body: %v", path, err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrapf(err, "%s: decoding envelope", path)
	}
	switch env.Response.State {
	case http.StatusOK:
		return env.Response.Result, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.Wrapf(ErrAuthExpired, "%s: %s", path, env.Response.Error)
	case http.StatusNotFound:
		return nil, errors.Wrapf(ErrNotFound, "%s: %s", path, env.Response.Error)
	default:
		return nil, errors.Wrapf(ErrUnavailable, "%s: state %d: %s", path, env.Response.State, env.Response.Error)
	}
}

// ListMessages fetches one page of previews for a folder.
func (c *Client) ListMessages(ctx context.Context, auth Auth, folder message.Folder, page, limit int, unreadOnly bool) (*message.Page, error) {
	v := c.params(auth)
	v.Set("folder", string(folder))
	v.Set("page", strconv.Itoa(page))
	v.Set("limit", strconv.Itoa(limit))
	if unreadOnly {
		v.Set("unreadonly", "true")
	}
	raw, err := c.get(ctx, costList, "getmessages", v)
	if err != nil {
		return nil, err
	}
	var p message.Page
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding message page")
	}
	c.log.Debug().Str("folder", string(folder)).Int("page", page).
		Int("count", len(p.Messages)).Msg("listed message previews")
	return &p, nil
}

// GetMessage fetches one full message by id.  If the message was
// unread, the remote side marks it read as a side effect of this call.
func (c *Client) GetMessage(ctx context.Context, auth Auth, id string) (*message.Message, error) {
	v := c.params(auth)
	v.Set("id", id)
	raw, err := c.get(ctx, costGet, "getmessageinfo", v)
	if err != nil {
		return nil, err
	}
	var result struct {
		Message *message.Message `json:"message"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrapf(err, "decoding message %v", id)
	}
	if result.Message == nil {
		return nil, errors.Wrapf(ErrNotFound, "getmessageinfo %v", id)
	}
	result.Message.WithFiles = len(result.Message.Files) > 0
	return result.Message, nil
}

// SendMessage sends a new message to the comma-separated recipient
// list.
func (c *Client) SendMessage(ctx context.Context, auth Auth, usersTo, subject, text string) error {
	v := c.params(auth)
	v.Set("users_to", usersTo)
	v.Set("subject", subject)
	v.Set("text", text)
	_, err := c.get(ctx, costSend, "sendmessage", v)
	return err
}

// ReplyMessage sends a reply to an existing message.
func (c *Client) ReplyMessage(ctx context.Context, auth Auth, replyTo, text string) error {
	v := c.params(auth)
	v.Set("replyto", replyTo)
	v.Set("text", text)
	_, err := c.get(ctx, costSend, "sendreplymessage", v)
	return err
}

// scheduleLike fetches gethomework/getschedule responses, which share
// a students→days structure with "yyyymmdd" date keys; keys are
// rewritten to "dd.mm.yyyy".
func (c *Client) scheduleLike(ctx context.Context, auth Auth, path string) (DayMap, error) {
	raw, err := c.get(ctx, costList, path, c.params(auth))
	if err != nil {
		return nil, err
	}
	var result struct {
		Students map[string]struct {
			Days map[string]json.RawMessage `json:"days"`
		} `json:"students"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	out := DayMap{}
	for _, student := range result.Students {
		for key, day := range student.Days {
			if len(key) == 8 {
				key = key[6:] + "." + key[4:6] + "." + key[:4]
			}
			out[key] = day
		}
		break // single-student accounts only
	}
	return out, nil
}

// Homework fetches the homework assignments keyed by date.
func (c *Client) Homework(ctx context.Context, auth Auth) (DayMap, error) {
	return c.scheduleLike(ctx, auth, "gethomework")
}

// Schedule fetches the lesson schedule keyed by date.
func (c *Client) Schedule(ctx context.Context, auth Auth) (DayMap, error) {
	return c.scheduleLike(ctx, auth, "getschedule")
}

// Periods fetches the account's grading periods.
func (c *Client) Periods(ctx context.Context, auth Auth, showDisabled bool) ([]Period, error) {
	v := c.params(auth)
	v.Set("show_disabled", strconv.FormatBool(showDisabled))
	raw, err := c.get(ctx, costList, "getperiods", v)
	if err != nil {
		return nil, err
	}
	var result struct {
		Students []struct {
			Periods []Period `json:"periods"`
		} `json:"students"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decoding periods")
	}
	if len(result.Students) == 0 {
		return nil, nil
	}
	return result.Students[0].Periods, nil
}

// Marks fetches the grade report.  With lastPeriod set, the report is
// restricted to the most recent active grading period.
func (c *Client) Marks(ctx context.Context, auth Auth, lastPeriod bool) (json.RawMessage, error) {
	v := c.params(auth)
	if lastPeriod {
		periods, err := c.Periods(ctx, auth, false)
		if err != nil {
			return nil, err
		}
		if len(periods) > 0 {
			last := periods[len(periods)-1]
			v.Set("days", last.Start+"-"+last.End)
		}
	}
	raw, err := c.get(ctx, costList, "getmarks", v)
	if err != nil {
		return nil, err
	}
	var result struct {
		Students map[string]json.RawMessage `json:"students"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, errors.Wrap(err, "decoding marks")
	}
	for _, report := range result.Students {
		return report, nil
	}
	return nil, nil
}

// Profile fetches the account's profile fields (getrules).
func (c *Client) Profile(ctx context.Context, auth Auth) (*message.Profile, error) {
	raw, err := c.get(ctx, costList, "getrules", c.params(auth))
	if err != nil {
		return nil, err
	}
	var p message.Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errors.Wrap(err, "decoding profile")
	}
	return &p, nil
}

// Authenticate exchanges login credentials for an access token and
// loads the profile under the fresh token.
func (c *Client) Authenticate(ctx context.Context, login, password, vendor string) (*message.Token, *message.Profile, error) {
	if err := c.limiter.WaitN(ctx, costAuth); err != nil {
		return nil, nil, err
	}
	if vendor == "" {
		vendor = DefaultVendor
	}
	form := url.Values{}
	form.Set("login", login)
	form.Set("password", password)
	form.Set("vendor", vendor)
	form.Set("devkey", c.devKey)
	form.Set("out_format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, errors.Wrap(err, "building auth request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrUnavailable, "auth: %v", err)
	}
	defer resp.Body.Close()
	raw, err := c.unwrap("auth", resp)
	if err != nil {
		return nil, nil, err
	}
	var result struct {
		Token   string `json:"token"`
		Expires string `json:"expires"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, errors.Wrap(err, "decoding auth result")
	}
	expiry, err := time.Parse(message.TimeLayout, result.Expires)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "parsing token expiry %q", result.Expires)
	}
	token := &message.Token{Value: result.Token, Expiry: expiry}
	profile, err := c.Profile(ctx, Auth{Token: token.Value, Vendor: vendor})
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading profile after auth")
	}
	profile.Login = login
	profile.Vendor = vendor
	c.log.Info().Str("login", login).Str("vendor", vendor).
		Time("expiry", expiry).Msg("authenticated")
	return token, profile, nil
}
