package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/denniswebb/natgate/internal/portmap"
)

// errDaemonUnreachable marks requests that never reached a daemon, so the
// caller may fall back to editing the store directly.
var errDaemonUnreachable = errors.New("daemon not reachable")

// apiError is a non-2xx answer from the daemon.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daemon returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap maps rule rejections back onto the table's sentinels.
func (e *apiError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return portmap.ErrInvalidRule
	case http.StatusConflict:
		return portmap.ErrTableFull
	}
	return nil
}

// daemonClient talks to the HTTP listener of a running `natgate run`.
type daemonClient struct {
	base string
	http *http.Client
}

var _ ruleEditor = (*daemonClient)(nil)

func newDaemonClient(base string, httpClient *http.Client) *daemonClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &daemonClient{base: strings.TrimRight(base, "/"), http: httpClient}
}

// daemonBaseURL turns a listen address such as ":9090" into a loopback URL.
func daemonBaseURL(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "http://" + listenAddr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func (c *daemonClient) status(ctx context.Context) (remoteStatus, []byte, error) {
	raw, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return remoteStatus{}, nil, err
	}
	var doc remoteStatus
	if err := json.Unmarshal(raw, &doc); err != nil {
		return remoteStatus{}, nil, fmt.Errorf("decode status response: %w", err)
	}
	return doc, raw, nil
}

func (c *daemonClient) entries(ctx context.Context) ([]portmap.Entry, error) {
	raw, err := c.do(ctx, http.MethodGet, "/portmap", nil)
	if err != nil {
		return nil, err
	}
	var docs []ruleDocument
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode rules response: %w", err)
	}
	entries := make([]portmap.Entry, 0, len(docs))
	for _, d := range docs {
		e, err := d.entry()
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", d.Slot, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Add asks the daemon to add rule to its live table and returns the slot.
func (c *daemonClient) Add(ctx context.Context, rule portmap.Rule) (int, error) {
	body, err := json.Marshal(newRuleDocument(portmap.Entry{Rule: rule}))
	if err != nil {
		return -1, err
	}
	raw, err := c.do(ctx, http.MethodPost, "/portmap", body)
	if err != nil {
		return -1, err
	}
	var doc ruleDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return -1, fmt.Errorf("decode add response: %w", err)
	}
	return doc.Slot, nil
}

// Remove asks the daemon to drop the first rule matching proto and externalPort.
func (c *daemonClient) Remove(ctx context.Context, proto portmap.Protocol, externalPort uint16) error {
	query := url.Values{}
	query.Set("protocol", proto.String())
	query.Set("external_port", strconv.Itoa(int(externalPort)))
	_, err := c.do(ctx, http.MethodDelete, "/portmap?"+query.Encode(), nil)
	return err
}

func (c *daemonClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, fmt.Errorf("%w: %w", errDaemonUnreachable, err)
		}
		return nil, fmt.Errorf("%s %s: %w", method, c.base+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &apiError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}
