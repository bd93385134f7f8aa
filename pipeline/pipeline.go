// Package pipeline wraps every authenticated HTTP call in explicit stages:
// attach the credential, send, and on an authorization failure refresh once
// and replay the request.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/metrics"
)

const correlationHeader = "X-Correlation-ID"

// Sessions is what the pipeline needs from the session client.
type Sessions interface {
	AccessToken() string
	AccessTokenExpiry() (time.Time, bool)
	RefreshIfStale(ctx context.Context, stale string) (string, error)
	TerminateLocal(ctx context.Context, reason error)
}

// Request is a replayable outbound call. Path is joined to the pipeline's
// base URL.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// pending is one original call and its single-use retry flag.
type pending struct {
	req           *Request
	correlationID string
	retried       bool
}

type Pipeline struct {
	baseURL  string
	sender   Sender
	sessions Sessions
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func New(baseURL string, sender Sender, sessions Sessions, log *slog.Logger) *Pipeline {
	return &Pipeline{
		baseURL:  strings.TrimRight(baseURL, "/"),
		sender:   sender,
		sessions: sessions,
		logger:   logger.OrDefault(log).With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer("github.com/puyokura/dashchat/pipeline"),
		now:      time.Now,
	}
}

// Do runs req through the pipeline. Non-auth responses below 500 are
// returned as-is; auth failures that survive one refresh come back as
// Unauthenticated after the local session has been cleared.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Response, error) {
	pr := &pending{req: req, correlationID: uuid.NewString()}
	ctx = logger.WithCorrelationID(ctx, pr.correlationID)

	ctx, span := p.tracer.Start(ctx, req.Method+" "+req.Path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.path", req.Path),
		attribute.String("correlation_id", pr.correlationID),
	)

	resp, err := p.run(ctx, pr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
	return resp, nil
}

func (p *Pipeline) run(ctx context.Context, pr *pending) (*Response, error) {
	token, err := p.credential(ctx, pr)
	if err != nil {
		return nil, err
	}
	resp, err := p.send(ctx, pr, token)
	if err != nil {
		return nil, err
	}
	if IsAuthFailure(resp) {
		if token == "" {
			// nothing to refresh; the rejection stands on its own
			return nil, authError(resp, nil)
		}
		return p.refreshAndRetry(ctx, pr, token, resp)
	}
	return Classify(resp)
}

// credential reads the access token, refreshing first when its exp claim
// has already passed. That refresh is the call's one refresh: a failure is
// returned without sending, and a later auth failure is not refreshed again.
func (p *Pipeline) credential(ctx context.Context, pr *pending) (string, error) {
	token := p.sessions.AccessToken()
	if token == "" {
		return "", nil
	}
	exp, ok := p.sessions.AccessTokenExpiry()
	if !ok || p.now().Before(exp) {
		return token, nil
	}

	pr.retried = true
	fresh, err := p.sessions.RefreshIfStale(ctx, token)
	if err == nil {
		return fresh, nil
	}
	metrics.AuthRetryTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
	logger.WithContext(ctx, p.logger).WarnContext(ctx, "proactive refresh failed",
		slog.String("path", pr.req.Path),
		slog.String("error", err.Error()),
	)
	if errors.Is(err, apperrors.ErrNetwork) || errors.Is(err, apperrors.ErrServer) {
		return "", err
	}
	return "", p.giveUp(ctx, apperrors.Unauthenticated("access token expired and could not be refreshed", err))
}

// AttachCredential sets the bearer header; an empty token sends the
// request unauthenticated.
func AttachCredential(req *http.Request, token string) {
	if token == "" {
		req.Header.Del("Authorization")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

func (p *Pipeline) build(ctx context.Context, pr *pending, token string) (*http.Request, error) {
	target := p.baseURL + pr.req.Path
	if len(pr.req.Query) > 0 {
		target += "?" + pr.req.Query.Encode()
	}

	var body io.Reader
	if pr.req.Body != nil {
		body = bytes.NewReader(pr.req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, pr.req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", pr.req.Method, pr.req.Path, err)
	}
	for k, vs := range pr.req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if pr.req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(correlationHeader, pr.correlationID)
	AttachCredential(httpReq, token)
	return httpReq, nil
}

func (p *Pipeline) send(ctx context.Context, pr *pending, token string) (*Response, error) {
	httpReq, err := p.build(ctx, pr, token)
	if err != nil {
		return nil, err
	}
	return p.sender.Send(ctx, httpReq)
}

// refreshAndRetry handles an auth failure on the first attempt. It is the
// only place a request is replayed, and it replays at most once.
func (p *Pipeline) refreshAndRetry(ctx context.Context, pr *pending, sent string, first *Response) (*Response, error) {
	log := logger.WithContext(ctx, p.logger)
	if pr.retried {
		return nil, p.giveUp(ctx, authError(first, nil))
	}
	pr.retried = true

	token, err := p.sessions.RefreshIfStale(ctx, sent)
	if err != nil {
		metrics.AuthRetryTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		log.WarnContext(ctx, "refresh failed, ending session",
			slog.String("path", pr.req.Path),
			slog.String("error", err.Error()),
		)
		return nil, p.giveUp(ctx, authError(first, err))
	}

	resp, err := p.send(ctx, pr, token)
	if err != nil {
		metrics.AuthRetryTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		return nil, err
	}
	if IsAuthFailure(resp) {
		metrics.AuthRetryTotal.WithLabelValues(metrics.OutcomeFailure).Inc()
		log.WarnContext(ctx, "still unauthorized after refresh, ending session",
			slog.String("path", pr.req.Path),
			slog.Int("status", resp.Status),
		)
		return nil, p.giveUp(ctx, authError(resp, nil))
	}

	metrics.AuthRetryTotal.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return Classify(resp)
}

func (p *Pipeline) giveUp(ctx context.Context, err error) error {
	p.sessions.TerminateLocal(ctx, err)
	return err
}

func authError(resp *Response, cause error) error {
	_, message, ok := apperrors.ParseBody(resp.Body)
	if !ok || message == "" {
		message = http.StatusText(resp.Status)
	}
	return apperrors.Unauthenticated(message, cause)
}

// IsAuthFailure reports whether resp means "credential missing, expired or
// invalid": any 401, or a 403 that says so explicitly.
func IsAuthFailure(resp *Response) bool {
	switch resp.Status {
	case http.StatusUnauthorized:
		return true
	case http.StatusForbidden:
		return hasTokenMarker(resp)
	default:
		return false
	}
}

func hasTokenMarker(resp *Response) bool {
	if strings.Contains(strings.ToLower(resp.Header.Get("WWW-Authenticate")), "invalid_token") {
		return true
	}
	code, message, ok := apperrors.ParseBody(resp.Body)
	if !ok {
		return false
	}
	switch strings.ToUpper(code) {
	case apperrors.CodeTokenExpired, apperrors.CodeTokenRequired:
		return true
	}
	message = strings.ToLower(message)
	return strings.Contains(message, "token expired") || strings.Contains(message, "token required")
}

// Classify maps a response that is not an auth failure to the taxonomy.
func Classify(resp *Response) (*Response, error) {
	switch {
	case resp.Status == http.StatusForbidden:
		_, message, ok := apperrors.ParseBody(resp.Body)
		if !ok || message == "" {
			message = "insufficient privilege"
		}
		return nil, apperrors.Forbidden(message)
	case resp.Status >= 500:
		return nil, apperrors.FromStatus(resp.Status, resp.Body, "api")
	default:
		return resp, nil
	}
}

// DoJSON sends in as a JSON body (nil for none) and decodes a 2xx body into
// out (nil to discard). Other non-2xx statuses become AppErrors.
func (p *Pipeline) DoJSON(ctx context.Context, method, path string, query url.Values, in, out any) error {
	req := &Request{Method: method, Path: path, Query: query}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		req.Body = data
	}

	resp, err := p.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return apperrors.FromStatus(resp.Status, resp.Body, path)
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apperrors.Server(resp.Status, fmt.Sprintf("decode %s response: %v", path, err))
	}
	return nil
}
