// Package history is the REST side of messaging: the history/send/delete
// endpoints and the poller that keeps the timeline live while the realtime
// transport is down.
package history

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
)

const (
	historyPath = "/messages/history"
	sendPath    = "/messages/send"
	messagePath = "/messages/"
)

// JSONDoer is the authenticated request path (the interception pipeline).
type JSONDoer interface {
	DoJSON(ctx context.Context, method, path string, query url.Values, in, out any) error
}

type API struct {
	http     JSONDoer
	pageSize int
	logger   *slog.Logger
}

func NewAPI(doer JSONDoer, pageSize int, log *slog.Logger) *API {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &API{
		http:     doer,
		pageSize: pageSize,
		logger:   logger.OrDefault(log).With(slog.String("component", "history_api")),
	}
}

// Page fetches one history page. Page 0 holds the most recent messages.
// Entries that fail validation are dropped.
func (a *API) Page(ctx context.Context, page, size int) (model.HistoryPage, error) {
	if page < 0 || size <= 0 {
		return model.HistoryPage{}, apperrors.InvalidInput("page must be >= 0 and size > 0")
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var raw model.HistoryPage
	if err := a.http.DoJSON(ctx, http.MethodGet, historyPath, q, nil, &raw); err != nil {
		return model.HistoryPage{}, err
	}

	out := model.HistoryPage{TotalPages: raw.TotalPages, Content: make([]model.ChatMessage, 0, len(raw.Content))}
	for _, m := range raw.Content {
		valid, err := model.NewChatMessage(m)
		if err != nil {
			logger.WithContext(ctx, a.logger).WarnContext(ctx, "dropping malformed history entry", slog.String("error", err.Error()))
			continue
		}
		out.Content = append(out.Content, valid)
	}
	return out, nil
}

// Recent fetches the newest page at the configured size.
func (a *API) Recent(ctx context.Context) ([]model.ChatMessage, error) {
	p, err := a.Page(ctx, 0, a.pageSize)
	if err != nil {
		return nil, err
	}
	return p.Content, nil
}

// Send posts a message over REST, the degraded-mode send path.
func (a *API) Send(ctx context.Context, text string) (model.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ChatMessage{}, apperrors.InvalidInput("message text is empty")
	}

	var raw model.ChatMessage
	if err := a.http.DoJSON(ctx, http.MethodPost, sendPath, nil, model.SendPayload{Text: text}, &raw); err != nil {
		return model.ChatMessage{}, err
	}
	m, err := model.NewChatMessage(raw)
	if err != nil {
		return model.ChatMessage{}, apperrors.Server(http.StatusOK, err.Error())
	}
	return m, nil
}

func (a *API) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return apperrors.InvalidInput("message id must be positive")
	}
	return a.http.DoJSON(ctx, http.MethodDelete, messagePath+strconv.FormatInt(id, 10), nil, nil, nil)
}
