package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultMaxWait      = 10 * time.Minute
	defaultHTTPTimeout  = time.Minute
)

// TransportError classifies connectivity-level failures: connection
// refused, malformed replies, lost request state, timeouts. Callers map
// these to the infrastructure retry path.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "rpc transport: " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is connectivity-level rather than a
// reply the remote side produced.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RemoteError is a terminal non-ok reply produced by the remote
// handler.
type RemoteError struct {
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc remote: %s: %s", e.Status, e.Message)
}

// ClientConfig tunes the calling side of the transport.
type ClientConfig struct {
	// BaseURL of the remote server, e.g. http://10.0.0.3:5123.
	BaseURL string
	// Token, when set, is sent as a bearer token.
	Token string
	// PollInterval between answer polls. Zero means half a second.
	PollInterval time.Duration
	// MaxWait bounds a whole asynchronous call. Zero means ten minutes.
	MaxWait time.Duration
	// Timeout bounds each HTTP exchange. Zero means one minute.
	Timeout time.Duration
}

// Client issues calls over the request/poll protocol.
type Client struct {
	base    string
	token   string
	poll    time.Duration
	maxWait time.Duration
	httpc   *http.Client
	logger  *zap.Logger
}

func NewClient(conf ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	poll := conf.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	maxWait := conf.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}
	timeout := conf.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &Client{
		base:    conf.BaseURL,
		token:   conf.Token,
		poll:    poll,
		maxWait: maxWait,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Call runs an asynchronous method: post the request, poll for the
// answer, decode the terminal reply into reply when non-nil. The call
// gives up with a TransportError after MaxWait.
func (c *Client) Call(ctx context.Context, service string, shard int, method string, args, reply any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	rid := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	env, err := c.post(ctx, c.requestURL("request", service, shard, method), Request{ID: rid, Args: argsJSON})
	if err != nil {
		return err
	}
	if env.Terminal() {
		return decodeReply(env, reply)
	}

	tick := time.NewTicker(c.poll)
	defer tick.Stop()
	answerURL := fmt.Sprintf("%s/rpc/answer/%s", c.base, rid)
	for {
		select {
		case <-ctx.Done():
			return &TransportError{Err: fmt.Errorf("call %s/%s: %w", service, method, ctx.Err())}
		case <-tick.C:
			env, err := c.get(ctx, answerURL)
			if err != nil {
				// A failed poll fails the whole call.
				return err
			}
			if env.Terminal() {
				return decodeReply(env, reply)
			}
		}
	}
}

// Sync runs a method that replies within the HTTP exchange itself.
func (c *Client) Sync(ctx context.Context, service string, shard int, method string, args, reply any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	env, err := c.post(ctx, c.requestURL("sync", service, shard, method), Request{Args: argsJSON})
	if err != nil {
		return err
	}
	return decodeReply(env, reply)
}

func (c *Client) requestURL(kind, service string, shard int, method string) string {
	return fmt.Sprintf("%s/rpc/%s/%s/%d/%s", c.base, kind, service, shard, method)
}

func (c *Client) post(ctx context.Context, url string, body any) (Envelope, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return Envelope{}, &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, url string) (Envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Envelope{}, &TransportError{Err: err}
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Envelope, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return Envelope{}, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Envelope{}, &TransportError{Err: fmt.Errorf("unexpected http status %s", resp.Status)}
	}
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Envelope{}, &TransportError{Err: fmt.Errorf("malformed reply: %w", err)}
	}
	if env.Status == "" {
		return Envelope{}, &TransportError{Err: errors.New("malformed reply: empty status")}
	}
	return env, nil
}

func decodeReply(env Envelope, reply any) error {
	switch env.Status {
	case StatusOK:
		if reply == nil {
			return nil
		}
		if err := json.Unmarshal(env.Data, reply); err != nil {
			return &TransportError{Err: fmt.Errorf("malformed reply data: %w", err)}
		}
		return nil
	case StatusNotFound:
		// The remote side lost our request state, likely a restart
		// mid-call. The outcome is unknown, which is a transport
		// failure, not a method failure.
		return &TransportError{Err: errors.New(env.Error)}
	default:
		return &RemoteError{Status: env.Status, Message: env.Error}
	}
}
