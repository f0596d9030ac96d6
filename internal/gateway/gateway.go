// Package gateway is the single entry point for backend calls. Every call
// resolves to an Envelope; timeouts, transport errors and non-2xx statuses are
// classified into a Failure and never returned as Go errors.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 10 * time.Second

	// RequestIDHeader correlates client log lines with backend access logs.
	RequestIDHeader = "X-Request-ID"

	maxBodyBytes = 4 << 20
)

// Envelope is the uniform result of a backend call.
type Envelope struct {
	OK      bool
	Data    json.RawMessage
	Failure *Failure
}

func success(data []byte) Envelope {
	return Envelope{OK: true, Data: data}
}

func failure(f *Failure) Envelope {
	return Envelope{Failure: f}
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Notifier   Notifier
	Logger     *logrus.Logger
}

type Gateway struct {
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	notifier Notifier
	logger   *logrus.Logger
}

func New(opts Options) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	var notifier Notifier = nopNotifier{}
	if opts.Notifier != nil {
		notifier = opts.Notifier
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Gateway{
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		timeout:  timeout,
		client:   client,
		notifier: notifier,
		logger:   logger,
	}
}

type callOptions struct {
	quiet bool
}

// CallOption tweaks a single call.
type CallOption func(*callOptions)

// Quiet suppresses the failure notice. Background polling uses it; the
// offline banner already reports connectivity.
func Quiet() CallOption {
	return func(o *callOptions) { o.quiet = true }
}

// Call issues method against endpoint (relative to the base URL) with an
// optional JSON body.
func (g *Gateway) Call(ctx context.Context, method, endpoint string, body any, opts ...CallOption) (env Envelope) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}

	requestID := uuid.NewString()
	started := time.Now()
	entry := g.logger.WithFields(logrus.Fields{
		"method":    method,
		"endpoint":  endpoint,
		"requestID": requestID,
	})

	defer func() {
		if r := recover(); r != nil {
			env = failure(&Failure{Kind: KindApplication, Message: fmt.Sprintf("Unexpected client error: %v", r)})
		}
		latency := time.Since(started)
		if env.OK {
			entry.WithField("latency", latency).Debug("Backend call succeeded")
			return
		}
		entry.WithFields(logrus.Fields{
			"latency": latency,
			"kind":    env.Failure.Kind.String(),
			"status":  env.Failure.Status,
			"error":   env.Failure.Message,
		}).Warn("Backend call failed")
		if !co.quiet {
			g.notifier.Notify(Notice{Level: LevelError, Message: env.Failure.Message})
		}
	}()

	if method != http.MethodGet && method != http.MethodPost {
		return failure(&Failure{Kind: KindApplication, Message: fmt.Sprintf("unsupported method %q", method)})
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return failure(&Failure{Kind: KindApplication, Message: fmt.Sprintf("failed to encode request body: %v", err)})
		}
		reader = bytes.NewReader(buf)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, g.url(endpoint), reader)
	if err != nil {
		return failure(&Failure{Kind: KindApplication, Message: fmt.Sprintf("failed to build request: %v", err)})
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return failure(g.transportFailure(ctx, callCtx, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return failure(g.transportFailure(ctx, callCtx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(statusFailure(resp.StatusCode, payload))
	}
	return success(payload)
}

// Get is Call with GET and no body.
func (g *Gateway) Get(ctx context.Context, endpoint string, opts ...CallOption) Envelope {
	return g.Call(ctx, http.MethodGet, endpoint, nil, opts...)
}

// Post is Call with POST.
func (g *Gateway) Post(ctx context.Context, endpoint string, body any, opts ...CallOption) Envelope {
	return g.Call(ctx, http.MethodPost, endpoint, body, opts...)
}

func (g *Gateway) url(endpoint string) string {
	return g.baseURL + "/" + strings.TrimLeft(strings.TrimSpace(endpoint), "/")
}

// transportFailure distinguishes our own deadline from a caller cancellation
// and from connection-level errors.
func (g *Gateway) transportFailure(parent, callCtx context.Context, err error) *Failure {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &Failure{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("Request timed out after %s", g.timeout),
		}
	}
	if parent.Err() != nil {
		return &Failure{Kind: KindTransport, Message: "Request cancelled"}
	}
	return &Failure{
		Kind:    KindTransport,
		Message: fmt.Sprintf("Cannot reach backend at %s. Is it running?", g.baseURL),
	}
}

// Decode unmarshals a successful envelope into T. A failed envelope passes its
// failure through; a malformed payload becomes an application failure.
func Decode[T any](env Envelope) (T, *Failure) {
	var out T
	if !env.OK {
		if env.Failure == nil {
			return out, &Failure{Kind: KindApplication, Message: "request failed"}
		}
		return out, env.Failure
	}
	if len(bytes.TrimSpace(env.Data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, &Failure{Kind: KindApplication, Message: fmt.Sprintf("Malformed response: %v", err)}
	}
	return out, nil
}
