// Package transport issues one HTTP request/response at a time on behalf of
// the controller client, streams the body, and hands the raw bytes plus
// HTTP-level metadata (rebind/instance headers, status) back to the caller.
// It knows nothing about envelopes, sessions, or operations — those are the
// controller client's job (internal/zitictl/controller).
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/openziti/edge-client-go/internal/zitictl/redact"
	"github.com/openziti/edge-client-go/internal/zitictl/trace"
	"github.com/openziti/edge-client-go/internal/zitictl/zerr"
	"github.com/openziti/edge-client-go/internal/zitictl/zlog"
)

// HeaderCtrlAddress and HeaderInstanceID are the two response headers the
// controller may set to signal a rebind or a restart.
const (
	HeaderCtrlAddress = "ziti-ctrl-address"
	HeaderInstanceID  = "ziti-instance-id"
)

// connectTimeout bounds dial+TLS handshake.
const connectTimeout = 15 * time.Second

// maxBodyBytes caps how much of a response body is ever buffered, guarding
// against a misbehaving or hostile controller exhausting memory.
const maxBodyBytes = 32 << 20 // 32 MiB

// Result is delivered to a Transaction's terminal callback exactly once.
type Result struct {
	Status      int
	Body        []byte
	PlainText   bool
	CtrlAddress string // non-empty when the response carried HeaderCtrlAddress
	InstanceID  string // non-empty when the response carried HeaderInstanceID
	Err         *zerr.Error
}

// Transaction is one request's response context: request-scoped state
// that exists from Start until its terminal callback fires exactly once.
type Transaction struct {
	Method    string
	Path      string
	Started   time.Time
	PlainText bool

	client *Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Client wraps one *http.Client targeting a mutable base URL, plus a
// registry of in-flight Transactions so CancelAll can abort every one of
// them and guarantee each still fires its terminal callback exactly once.
// Keepalive is disabled: the edge client holds at most a handful of
// concurrent requests against one controller.
type Client struct {
	mu       sync.Mutex
	baseURL  string
	http     *http.Client
	inFlight map[*Transaction]context.CancelFunc
	closed   bool
}

// New creates a Client targeting baseURL. tlsConfig may be nil (system
// defaults apply).
func New(baseURL string, tlsConfig *tls.Config) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	rt := &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   tlsConfig,
		DialContext:       dialer.DialContext,
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Transport: rt},
		inFlight: make(map[*Transaction]context.CancelFunc),
	}
}

// BaseURL returns the base URL requests are currently issued against.
func (c *Client) BaseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseURL
}

// Rebind atomically adopts a new base URL for all subsequent requests. It
// does not affect Transactions already in flight.
func (c *Client) Rebind(newBaseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = newBaseURL
}

// Start issues method/path (+ optional body) against the current base URL
// and invokes done exactly once with the outcome, on its own goroutine.
// plainText suppresses envelope parsing downstream (the controller client
// is responsible for checking Result.PlainText and skipping JSON decode).
func (c *Client) Start(ctx context.Context, method, path string, body io.Reader, headers http.Header, plainText bool, done func(*Result)) *Transaction {
	ctx, cancel := context.WithCancel(ctx)
	reqID := trace.GenerateID()
	ctx = trace.WithRequestID(ctx, reqID)

	tx := &Transaction{
		Method:    method,
		Path:      path,
		Started:   time.Now(),
		PlainText: plainText,
		client:    c,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		close(tx.done)
		done(&Result{Err: zerr.New(zerr.Disabled, "transport closed")})
		return tx
	}
	baseURL := c.baseURL
	c.inFlight[tx] = cancel
	c.mu.Unlock()

	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err == nil {
			bodyBytes = b
		}
	}

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, tx)
			c.mu.Unlock()
			close(tx.done)
		}()

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
		if err != nil {
			done(&Result{Err: zerr.New(zerr.InvalidConfig, err.Error())})
			return
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("X-Request-Id", reqID)

		zlog.WithRequest(ctx).Debug("transport: dispatch",
			"method", method, "path", path,
			"zt-session", redact.Header("zt-session", headers.Get("zt-session")))

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport errors can echo request URLs and header material;
			// scrub the session token before the message reaches a log line.
			zlog.WithRequest(ctx).Warn("transport: request failed",
				"method", method, "path", path,
				"error", zlog.RedactSecrets(err.Error(), headers.Get("zt-session")))
			done(&Result{Err: translateTransportErr(err)})
			return
		}
		defer resp.Body.Close()

		limited := io.LimitReader(resp.Body, maxBodyBytes+1)
		buf, err := io.ReadAll(limited)
		if err != nil {
			done(&Result{Status: resp.StatusCode, Err: translateTransportErr(err)})
			return
		}
		if len(buf) > maxBodyBytes {
			done(&Result{Status: resp.StatusCode, Err: zerr.New(zerr.InvalidState, "response body exceeds maximum size")})
			return
		}

		done(&Result{
			Status:      resp.StatusCode,
			Body:        buf,
			PlainText:   plainText,
			CtrlAddress: resp.Header.Get(HeaderCtrlAddress),
			InstanceID:  resp.Header.Get(HeaderInstanceID),
		})
	}()

	return tx
}

// Cancel aborts this single Transaction; its terminal callback (already
// supplied to Start) fires with zerr.Disabled.
func (tx *Transaction) Cancel() {
	tx.cancel()
}

// Wait blocks until the Transaction's terminal callback has fired. Intended
// for tests.
func (tx *Transaction) Wait() {
	<-tx.done
}

// CancelAll aborts every in-flight Transaction; each fires its terminal
// callback with zerr.Disabled.
// Subsequent calls to Start on this Client fail synchronously until a new
// Client is constructed — the controller is expected to be closed, not
// reused, after CancelAll.
func (c *Client) CancelAll() {
	c.mu.Lock()
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.inFlight))
	for _, cancel := range c.inFlight {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func translateTransportErr(err error) *zerr.Error {
	if errors.Is(err, context.Canceled) {
		return zerr.New(zerr.Disabled, "request cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return zerr.New(zerr.ControllerUnavailable, "request timed out: "+err.Error())
	}
	return zerr.New(zerr.ControllerUnavailable, err.Error())
}
