// Package syncclient is the HTTP client side of the ally sync protocol.
package syncclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"kaitag-ally/internal/protocol"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	// BaseURL is the server root, e.g. http://10.0.0.2:8000.
	BaseURL string
	// Prefix is prepended to every route ("" or "/api").
	Prefix string
	// Timeout bounds each call. Defaults to 10s.
	Timeout time.Duration
	// H2C speaks cleartext HTTP/2 with prior knowledge.
	H2C bool

	// HTTPClient overrides the transport entirely (tests).
	HTTPClient *http.Client
}

type Client struct {
	base    *url.URL
	prefix  string
	timeout time.Duration
	hc      *http.Client
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, fmt.Errorf("syncclient: base url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("syncclient: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("syncclient: unsupported scheme %q", base.Scheme)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
		if cfg.H2C {
			hc.Transport = NewH2CTransport()
		}
	}
	return &Client{
		base:    base,
		prefix:  strings.TrimRight(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
		hc:      hc,
	}, nil
}

// NewH2CTransport returns an HTTP/2 transport that dials plain TCP.
func NewH2CTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     5 * time.Second,
	}
}

func (c *Client) Register(ctx context.Context) (protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	if err := c.do(ctx, http.MethodPost, protocol.PathRegister, nil, &out); err != nil {
		return protocol.RegisterResponse{}, err
	}
	if out.ClientID == "" {
		return protocol.RegisterResponse{}, fmt.Errorf("%w: register returned empty client_id", protocol.ErrNetworkUnavailable)
	}
	if out.States == nil {
		out.States = protocol.States{}
	}
	return out, nil
}

// Unregister is idempotent on the server; a 404 from an older server is
// treated as success too.
func (c *Client) Unregister(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, protocol.ClientPath(id), nil, nil)
	if errors.Is(err, protocol.ErrUnknownClient) {
		return nil
	}
	return err
}

func (c *Client) UpdateState(ctx context.Context, id string, u protocol.StateUpdate) error {
	return c.do(ctx, http.MethodPost, protocol.StatePath(id), u, nil)
}

func (c *Client) UpdateBearing(ctx context.Context, id string, bearing float64) error {
	return c.do(ctx, http.MethodPost, protocol.BearingPath(id), protocol.BearingUpdate{Bearing: &bearing}, nil)
}

func (c *Client) Clients(ctx context.Context) (protocol.States, error) {
	var out protocol.States
	if err := c.do(ctx, http.MethodGet, protocol.PathClients, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = protocol.States{}
	}
	return out, nil
}

// do runs one request under the per-call timeout. Transport failures,
// timeouts and 5xx map to ErrNetworkUnavailable. A 404 maps to
// ErrUnknownClient only when the server says the client is not found; any
// other 404 is a wrong base URL or prefix and surfaces as a plain error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("syncclient: marshal %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}
	// path is already escaped (protocol.ClientPath).
	target := c.base.String() + c.prefix + path

	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("syncclient: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s %s: %v", protocol.ErrNetworkUnavailable, method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && strings.EqualFold(ackMessage(data), protocol.MessageClientNotFound):
		return fmt.Errorf("%w: %s %s", protocol.ErrUnknownClient, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", protocol.ErrNetworkUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("syncclient: %s %s: status %d: %s", method, path, resp.StatusCode, ackMessage(data))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", protocol.ErrNetworkUnavailable, method, path, err)
	}
	return nil
}

func ackMessage(data []byte) string {
	var ack protocol.Ack
	if err := json.Unmarshal(data, &ack); err == nil && ack.Message != "" {
		return ack.Message
	}
	return strings.TrimSpace(string(data))
}
