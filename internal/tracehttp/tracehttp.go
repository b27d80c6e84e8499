// Package tracehttp wraps an http.RoundTripper with request/response
// dump logging for debugging the journal API client.
package tracehttp

import (
	"net/http"
	"net/http/httputil"

	"github.com/rs/zerolog"
)

// traceTransport is an http.RoundTripper that logs a dump of the
// request and response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	log      zerolog.Logger
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequest(req, true)
	if dumpErr == nil {
		t.log.Debug().Str("dump", string(dump)).Msg("http request")
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			t.log.Debug().Str("dump", string(dump)).Msg("http response")
		}
	}
	return resp, err
}

// Wrap returns d with trace logging layered on top.  A nil d selects
// http.DefaultTransport.
func Wrap(d http.RoundTripper, log zerolog.Logger) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, log: log}
}
