// Package wire holds the HTTP plumbing shared by the TTS provider clients.
package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/artpar/utter/domain/provider"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// ErrorBody is the error envelope both providers use.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id"`
}

func (b ErrorBody) text() string {
	for _, s := range []string{b.Message, b.Error, b.Detail} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// NewJSONRequest builds a request with a JSON body.
func NewJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req and classifies transport failures.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Transport(err)
	}
	return resp, nil
}

// Transport classifies a failed round trip.
func Transport(err error) error {
	if errors.Is(err, context.Canceled) {
		return provider.Normalize(err)
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &provider.Error{Category: provider.CategoryTimeout, SafeMessage: "Provider request timed out", Err: err}
	}
	return &provider.Error{Category: provider.CategoryUnavailable, SafeMessage: "Provider unreachable", Err: err}
}

// StatusError reads an error response into a classified provider error.
func StatusError(resp *http.Response, fallback string) *provider.Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body ErrorBody
	msg := ""
	if json.Unmarshal(raw, &body) == nil {
		msg = body.text()
	} else {
		msg = strings.TrimSpace(string(raw))
	}
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return provider.FromHTTP(resp.StatusCode, body.Code, msg, body.RequestID, fallback)
}

// DecodeJSON decodes a successful response body.
func DecodeJSON(resp *http.Response, out any) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.Error{
			Category:    provider.CategoryUnknown,
			Status:      resp.StatusCode,
			SafeMessage: "Provider returned an unreadable response",
			Err:         err,
		}
	}
	return nil
}

// Drain discards and closes a response body so the connection is reused.
func Drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
