package transport

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// retryingRoundTripper retries requests that fail with one of
// retryStatuses, using exponential backoff starting at retryBaseDelay, up
// to retryMaxAttempts total attempts (spec.md §4.A).
type retryingRoundTripper struct {
	base http.RoundTripper
}

func (rt *retryingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err = rt.base.RoundTrip(req)
		if err != nil {
			// Transport-level errors (timeout, connection refused, SOCKS
			// handshake failure) are not retried here: the caller (Page
			// Fetcher / Media Pipeline) classifies and skips per §7.
			return resp, err
		}
		if !retryStatuses[resp.StatusCode] {
			return resp, nil
		}
		if attempt == retryMaxAttempts-1 {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		time.Sleep(retryBaseDelay << attempt)
	}

	return resp, err
}
