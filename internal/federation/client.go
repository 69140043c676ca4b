// Package federation is the HTTP client side of the server-to-server protocol.
package federation

import (
	"bufio"
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
	"sync/atomic"
	"time"

	"github.com/dtroode/notesfed/internal/logger"
	"github.com/dtroode/notesfed/internal/model"
	"github.com/dtroode/notesfed/internal/signing"
)

const (
	wellKnownServerPath   = "/.well-known/notes-server"
	wellKnownIdentityPath = "/.well-known/notes-identity/"

	maxResponseSize = 8 << 20
	maxEventSize    = 4 << 20

	// DefaultStreamIdleTimeout is twice the keep-alive interval hosts use.
	DefaultStreamIdleTimeout = 60 * time.Second
)

// StatusError is a non-2xx response from a peer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("peer responded %d: %s", e.StatusCode, e.Message)
}

// Is maps peer statuses onto the local error vocabulary.
func (e *StatusError) Is(target error) bool {
	switch target {
	case model.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case model.ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case model.ErrKeyUnavailable:
		return e.StatusCode == http.StatusFailedDependency
	case model.ErrInvalidRequest:
		return e.StatusCode == http.StatusBadRequest
	case signing.ErrInvalidSignature:
		return e.StatusCode == http.StatusUnauthorized
	case model.ErrPeerUnavailable:
		return e.StatusCode >= http.StatusInternalServerError
	}
	return false
}

// Client talks to peer servers. Requests to document endpoints are signed
// with the local server identity.
type Client struct {
	http       *http.Client
	stream     *http.Client
	streamIdle time.Duration
	signer     *signing.Signer
	insecure []string
	logger   *logger.Logger
}

// NewClient creates a peer client. Domains whose host matches one of
// insecureDomains are reached over plain http.
func NewClient(timeout time.Duration, signer *signing.Signer, insecureDomains []string, logger *logger.Logger) *Client {
	return &Client{
		http:       &http.Client{Timeout: timeout},
		stream:     &http.Client{},
		streamIdle: DefaultStreamIdleTimeout,
		signer:     signer,
		insecure:   insecureDomains,
		logger:     logger,
	}
}

// SetStreamIdleTimeout sets how long an event stream may stay silent,
// keep-alive comments included, before it is dropped. Non-positive values
// are ignored.
func (c *Client) SetStreamIdleTimeout(d time.Duration) {
	if d > 0 {
		c.streamIdle = d
	}
}

// BaseURL returns the scheme and authority used to reach domain.
func (c *Client) BaseURL(domain string) string {
	host := domain
	if h, _, err := net.SplitHostPort(domain); err == nil {
		host = h
	}

	for _, d := range c.insecure {
		if host == d || strings.HasSuffix(host, "."+d) {
			return "http://" + domain
		}
	}
	return "https://" + domain
}

// FetchServer fetches the public description of a peer server.
func (c *Client) FetchServer(ctx context.Context, domain string) (model.PeerServer, error) {
	var info model.PeerServer
	if err := c.getJSON(ctx, c.BaseURL(domain)+wellKnownServerPath, &info); err != nil {
		return model.PeerServer{}, fmt.Errorf("failed to fetch server info of %s: %w", domain, err)
	}
	return info, nil
}

// FetchUserIdentity fetches the identity document of a user from their home server.
func (c *Client) FetchUserIdentity(ctx context.Context, handle, requestingDomain string) (model.RemoteIdentity, error) {
	h, err := ParseHandle(handle, requestingDomain)
	if err != nil {
		return model.RemoteIdentity{}, err
	}

	endpoint := c.BaseURL(h.Domain) + wellKnownIdentityPath + url.PathEscape("@"+h.User)

	var identity model.RemoteIdentity
	if err := c.getJSON(ctx, endpoint, &identity); err != nil {
		return model.RemoteIdentity{}, fmt.Errorf("failed to fetch identity of %s: %w", h, err)
	}
	if identity.Handle == "" {
		identity.Handle = h.String()
	}
	return identity, nil
}

// Join asks the host server to admit users to a document.
func (c *Client) Join(ctx context.Context, host, docID string, users []string) (model.JoinResponse, error) {
	req := model.JoinRequest{RequestingServer: c.signer.Domain(), Users: users}

	var resp model.JoinResponse
	if err := c.signedJSON(ctx, http.MethodPost, c.docURL(host, docID, "join", ""), req, &resp); err != nil {
		return model.JoinResponse{}, fmt.Errorf("failed to join %s on %s: %w", docID, host, err)
	}
	return resp, nil
}

// PushOps delivers ops to the host server of a document.
func (c *Client) PushOps(ctx context.Context, host, docID string, ops []model.FederatedOp) error {
	wire := make([]model.FederatedOp, len(ops))
	for i, op := range ops {
		wire[i] = model.FederatedOp{
			OpID:      op.OpID,
			ActorID:   op.ActorID,
			LamportTs: op.LamportTs,
			Payload:   op.Payload,
			Signature: op.Signature,
		}
	}

	if err := c.signedJSON(ctx, http.MethodPost, c.docURL(host, docID, "ops", ""), model.PushOpsRequest{Ops: wire}, nil); err != nil {
		return fmt.Errorf("failed to push ops of %s to %s: %w", docID, host, err)
	}
	return nil
}

// PullOps fetches ops newer than since from the host server.
func (c *Client) PullOps(ctx context.Context, host, docID string, since int64) (model.PullOpsResponse, error) {
	var resp model.PullOpsResponse
	if err := c.signedJSON(ctx, http.MethodGet, c.docURL(host, docID, "ops", sinceQuery(since)), nil, &resp); err != nil {
		return model.PullOpsResponse{}, fmt.Errorf("failed to pull ops of %s from %s: %w", docID, host, err)
	}
	return resp, nil
}

// StreamEvents subscribes to the event stream of a document on its host and
// calls onOps for every batch until ctx is cancelled or the stream breaks.
// onOpen is called once the host accepted the subscription. A stream that
// stays silent for longer than the idle timeout is dropped with
// ErrPeerUnavailable.
func (c *Client) StreamEvents(ctx context.Context, host, docID string, since int64, onOpen func(), onOps func([]model.FederatedOp) error) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idled atomic.Bool
	watchdog := time.AfterFunc(c.streamIdle, func() {
		idled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	req, err := c.newSignedRequest(streamCtx, http.MethodGet, c.docURL(host, docID, "events", sinceQuery(since)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return c.streamError(ctx, &idled, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if onOpen != nil {
		onOpen()
	}

	body := &idleReader{r: resp.Body, timer: watchdog, idle: c.streamIdle}
	err = readEvents(body, func(event string, data []byte) error {
		if event != "" && event != "message" {
			return nil
		}
		var ops []model.FederatedOp
		if err := json.Unmarshal(data, &ops); err != nil {
			c.logger.Warn("skipping malformed event", "doc_id", docID, "host", host, "error", err)
			return nil
		}
		if len(ops) == 0 {
			return nil
		}
		return onOps(ops)
	})
	if err == nil {
		err = io.EOF
	}
	return c.streamError(ctx, &idled, fmt.Errorf("event stream ended: %w", err))
}

func (c *Client) streamError(ctx context.Context, idled *atomic.Bool, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if idled.Load() {
		return fmt.Errorf("%w: event stream idle for %s", model.ErrPeerUnavailable, c.streamIdle)
	}
	return fmt.Errorf("%w: %v", model.ErrPeerUnavailable, err)
}

// idleReader pushes the watchdog back whenever the stream delivers bytes.
type idleReader struct {
	r     io.Reader
	timer *time.Timer
	idle  time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	return n, err
}

func (c *Client) docURL(host, docID, action, query string) string {
	u := c.BaseURL(host) + "/federation/doc/" + url.PathEscape(docID) + "/" + action
	if query != "" {
		u += "?" + query
	}
	return u
}

func sinceQuery(since int64) string {
	return url.Values{"since": {strconv.FormatInt(since, 10)}}.Encode()
}

func (c *Client) newSignedRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	headers, body, err := c.signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	headers.Apply(req.Header)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) signedJSON(ctx context.Context, method, endpoint string, payload, out any) error {
	req, err := c.newSignedRequest(ctx, method, endpoint, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: body.Error}
}

// readEvents parses a text/event-stream body and calls fn for every dispatched event.
func readEvents(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var (
		event string
		data  bytes.Buffer
	)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(event, bytes.TrimSuffix(data.Bytes(), []byte("\n"))); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		default:
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")
			switch field {
			case "event":
				event = value
			case "data":
				data.WriteString(value)
				data.WriteByte('\n')
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

// IsRetryable reports whether err is a transient peer failure.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, model.ErrPeerUnavailable)
}
