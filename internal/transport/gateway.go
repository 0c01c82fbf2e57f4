// Package transport issues authenticated JSON requests to the messaging
// service and classifies failures into the apierr taxonomy. It never retries.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/howudoin/internal/apierr"
	"github.com/matheus3301/howudoin/internal/logging"
	"github.com/matheus3301/howudoin/internal/session"
	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20

// Sessions is the part of the session store the gateway needs.
type Sessions interface {
	Current() session.Session
	Invalidate(ctx context.Context, credential string) bool
}

// Call describes one request. Path is relative to the base URL.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Anonymous calls (login, register) skip the session check and the
	// bearer header, and a 401 answering them does not invalidate anything.
	Anonymous bool
}

// Gateway is the single HTTP entry point to the service.
type Gateway struct {
	base     *url.URL
	http     *http.Client
	sessions Sessions
	logger   *zap.Logger
}

// New creates a gateway. A nil httpClient uses http.DefaultClient.
func New(baseURL string, httpClient *http.Client, sessions Sessions, logger *zap.Logger) (*Gateway, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q is not absolute", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Gateway{
		base:     u,
		http:     httpClient,
		sessions: sessions,
		logger:   logging.OrNop(logger),
	}, nil
}

// Do performs c and decodes a 2xx JSON body into out (when out is non-nil).
func (g *Gateway) Do(ctx context.Context, c Call, out any) error {
	var credential string
	if !c.Anonymous {
		sess := g.sessions.Current()
		if !sess.Authenticated() {
			return apierr.ErrUnauthenticated
		}
		credential = sess.Credential
	}

	req, err := g.newRequest(ctx, c, credential)
	if err != nil {
		return err
	}
	requestID := req.Header.Get("X-Request-ID")

	start := time.Now()
	resp, err := g.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		g.logger.Warn("request failed",
			zap.String("method", c.Method), zap.String("path", c.Path),
			zap.String("request_id", requestID), zap.Error(err))
		return fmt.Errorf("%w: %v", apierr.ErrNetworkUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: read body: %v", apierr.ErrNetworkUnavailable, err)
	}

	g.logger.Debug("request",
		zap.String("method", c.Method), zap.String("path", c.Path),
		zap.Int("status", resp.StatusCode), zap.Duration("duration", time.Since(start)),
		zap.String("request_id", requestID))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode %s %s: %w", c.Method, c.Path, err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized && !c.Anonymous:
		if g.sessions.Invalidate(ctx, credential) {
			g.logger.Warn("credential rejected, session cleared",
				zap.String("path", c.Path), zap.String("request_id", requestID))
		}
		return apierr.ErrUnauthorized
	default:
		rf := &apierr.RequestFailedError{StatusCode: resp.StatusCode, Message: serverMessage(body)}
		g.logger.Warn("request rejected",
			zap.String("method", c.Method), zap.String("path", c.Path),
			zap.Int("status", resp.StatusCode), zap.String("message", rf.Message),
			zap.String("request_id", requestID))
		return rf
	}
}

func (g *Gateway) newRequest(ctx context.Context, c Call, credential string) (*http.Request, error) {
	u := *g.base
	u.Path = g.base.Path + "/" + strings.TrimLeft(c.Path, "/")
	if len(c.Query) > 0 {
		u.RawQuery = c.Query.Encode()
	}

	var body io.Reader
	if c.Body != nil {
		data, err := json.Marshal(c.Body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", c.Method, c.Path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

// serverMessage pulls a human-readable message out of an error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			// Plain-text bodies are surfaced when they are short enough to read.
			if text := strings.TrimSpace(string(body)); len(text) <= 200 {
				return text
			}
		}
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
