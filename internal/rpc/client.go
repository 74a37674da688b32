package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apc-dev/apc/internal/fault"
)

// Client posts command envelopes to a running daemon.
type Client struct {
	base string
	http *http.Client
}

// NewClient accepts "host:port" or a full http(s) URL.
func NewClient(addr string) *Client {
	base := strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Call sends one command and decodes the envelope. Transport problems
// surface as errors; command failures come back inside the envelope.
func (c *Client) Call(ctx context.Context, cmd string, params map[string]any) (Response, error) {
	body, err := json.Marshal(Request{ID: uuid.NewString(), Cmd: cmd, Params: params})
	if err != nil {
		return Response{}, fault.Wrap(fault.Internal, err, "encoding %s request", cmd)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return Response{}, fault.Wrap(fault.Internal, err, "building %s request", cmd)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, fault.Wrap(fault.ExternalFailure, err, "calling %s on %s", cmd, c.base)
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fault.Wrap(fault.ExternalFailure, err,
			"%s returned HTTP %d with an unreadable body", cmd, resp.StatusCode)
	}
	return out, nil
}
