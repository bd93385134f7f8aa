package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/metrics"
)

const maxBody = 4 << 20

// Response is a fully buffered HTTP response. Buffering lets the pipeline
// inspect the body of a 403 before deciding whether to refresh.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Sender is the "send" stage: one HTTP round-trip, no auth policy.
type Sender interface {
	Send(ctx context.Context, req *http.Request) (*Response, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, req *http.Request) (*Response, error)

func (f SenderFunc) Send(ctx context.Context, req *http.Request) (*Response, error) {
	return f(ctx, req)
}

// BreakerConfig tunes the circuit breaker in front of the HTTP transport.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig returns the breaker settings used by the client.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// breakerState maps gobreaker states to the gauge values.
func breakerState(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// serverStatus marks a 5xx so the breaker counts it while the response
// still reaches the caller.
type serverStatus struct {
	resp *Response
}

func (e *serverStatus) Error() string {
	return fmt.Sprintf("server error %d", e.resp.Status)
}

// HTTPSender sends through an *http.Client guarded by a circuit breaker.
// Transport errors and 5xx responses count as breaker failures.
type HTTPSender struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  *slog.Logger
	name    string
}

// NewHTTPSender wraps client (nil means a client with the given timeout).
func NewHTTPSender(client *http.Client, timeout time.Duration, cfg BreakerConfig, log *slog.Logger) *HTTPSender {
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        16,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	log = logger.OrDefault(log)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the server's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerState(to))
		},
	}
	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)

	return &HTTPSender{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[*Response](settings),
		logger:  log,
		name:    cfg.Name,
	}
}

func (s *HTTPSender) Send(ctx context.Context, req *http.Request) (*Response, error) {
	resp, err := s.breaker.Execute(func() (*Response, error) {
		httpResp, err := s.client.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer func() { _ = httpResp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBody))
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		out := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
		if out.Status >= 500 {
			return out, &serverStatus{resp: out}
		}
		return out, nil
	})

	var ss *serverStatus
	switch {
	case err == nil:
		return resp, nil
	case errors.As(err, &ss):
		return ss.resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, apperrors.Network("circuit "+s.name+" open", err)
	default:
		return nil, apperrors.Network(req.Method+" "+req.URL.Path+" failed", err)
	}
}

// State returns the current breaker state.
func (s *HTTPSender) State() gobreaker.State {
	return s.breaker.State()
}
