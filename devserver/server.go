// Package devserver is a small reference backend for the chat client: the
// auth endpoints, paged history, REST send/delete and the websocket topic.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/puyokura/dashchat/apperrors"
	"github.com/puyokura/dashchat/config"
	"github.com/puyokura/dashchat/logger"
	"github.com/puyokura/dashchat/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 64 << 10

	// RoleAdmin may delete any message.
	RoleAdmin = "admin"
	// SystemSender authors console announcements.
	SystemSender = "system"
)

type claimsKey struct{}

type response struct {
	Error *errorResponse `json:"error,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server bundles the stores, the token issuer and the hub.
type Server struct {
	cfg      config.Server
	users    *Users
	tokens   *Tokens
	messages *Messages
	hub      *Hub
	logger   *slog.Logger
}

func New(cfg config.Server, users *Users, messages *Messages, log *slog.Logger) *Server {
	log = logger.OrDefault(log)
	tokens := NewTokens(cfg.JWTSecret, cfg.AccessTTL, cfg.RefreshTTL)
	return &Server{
		cfg:      cfg,
		users:    users,
		tokens:   tokens,
		messages: messages,
		hub:      NewHub(cfg.Topic, cfg.FramesPerSecond, tokens, messages, log),
		logger:   log,
	}
}

// Run drives the websocket hub until ctx ends.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

func (s *Server) Users() *Users   { return s.users }
func (s *Server) Tokens() *Tokens { return s.tokens }
func (s *Server) Hub() *Hub       { return s.hub }

// Handler builds the HTTP surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/", s.index)
	r.With(s.authenticate).Get("/ws", s.serveWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/signin", s.signin)
		r.Post("/refresh-token", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/signout", s.signout)
			r.Get("/messages/history", s.history)
			r.Post("/messages/send", s.send)
			r.Delete("/messages/{id}", s.delete)
		})
	})
	return r
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintf(w, "%s\nConnect with the dashchat terminal client.\n", s.cfg.WelcomeMessage)
}

// requestLogger stores a logger tagged with the request id in the context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := s.logger.With(slog.String("request_id", chimw.GetReqID(r.Context())))
		next.ServeHTTP(w, r.WithContext(logger.NewContext(r.Context(), l)))
	})
}

// authenticate requires a valid bearer access token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, apperrors.CodeTokenRequired, "token required")
			return
		}
		claims, err := s.tokens.Validate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			if errors.Is(err, errTokenExpired) {
				writeError(w, http.StatusUnauthorized, apperrors.CodeTokenExpired, "token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, apperrors.CodeUnauthenticated, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = logger.WithUserID(ctx, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	s.hub.Serve(w, r, claimsFrom(r.Context()), token)
}

func (s *Server) signin(w http.ResponseWriter, r *http.Request) {
	var in model.LoginPayload
	if err := decode(r, &in); err != nil || strings.TrimSpace(in.Username) == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "username and password are required")
		return
	}
	user, err := s.users.Authenticate(in.Username, in.Password)
	if err != nil {
		logger.FromContext(r.Context()).InfoContext(r.Context(), "signin rejected", slog.String("user", in.Username))
		writeError(w, http.StatusUnauthorized, apperrors.CodeInvalidCredentials, "invalid credentials")
		return
	}
	access, refresh, err := s.tokens.Issue(user.Username)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SessionPayload{AccessToken: access, RefreshToken: refresh, User: user})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var in model.RefreshPayload
	if err := decode(r, &in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "refresh token is required")
		return
	}
	username, access, next, err := s.tokens.Rotate(in.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, apperrors.CodeRefreshInvalid, "refresh token invalid")
		return
	}
	user, ok := s.users.Lookup(username)
	if !ok {
		writeError(w, http.StatusUnauthorized, apperrors.CodeRefreshInvalid, "user no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, model.SessionPayload{AccessToken: access, RefreshToken: next, User: user})
}

// signout ends every session of the caller.
func (s *Server) signout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	s.tokens.Revoke(claims.Username)
	s.hub.Kick(claims.Username)
	logger.WithContext(r.Context(), logger.FromContext(r.Context())).InfoContext(r.Context(), "signed out")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 0)
	if err != nil || page < 0 {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "page must be a non-negative integer")
		return
	}
	size, err := intParam(r, "size", defaultPageSize)
	if err != nil || size <= 0 {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "size must be a positive integer")
		return
	}
	size = min(size, maxPageSize)

	out, err := s.messages.Page(r.Context(), page, size)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var in model.SendPayload
	if err := decode(r, &in); err != nil || strings.TrimSpace(in.Text) == "" {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "text is required")
		return
	}
	msg, err := s.Post(r.Context(), claimsFrom(r.Context()).Username, in.Text)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, apperrors.CodeInvalidInput, "invalid message id")
		return
	}
	claims := claimsFrom(r.Context())
	user, _ := s.users.Lookup(claims.Username)

	err = s.messages.Delete(r.Context(), id, claims.Username, user.HasRole(RoleAdmin))
	switch {
	case errors.Is(err, ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "message not found")
		return
	case errors.Is(err, ErrNotOwner):
		writeError(w, http.StatusForbidden, apperrors.CodeForbidden, "not your message")
		return
	case err != nil:
		s.internal(w, r, err)
		return
	}
	s.hub.Broadcast(model.EventDelete, model.DeletePayload{ID: id})
	w.WriteHeader(http.StatusNoContent)
}

// Post stores a message and fans it out to the topic.
func (s *Server) Post(ctx context.Context, sender, text string) (model.ChatMessage, error) {
	msg, err := s.messages.Add(ctx, sender, strings.TrimSpace(text))
	if err != nil {
		return model.ChatMessage{}, err
	}
	s.hub.Broadcast(model.EventMessage, msg)
	return msg, nil
}

// Remove deletes any message and announces it.
func (s *Server) Remove(ctx context.Context, id int64) error {
	if err := s.messages.Delete(ctx, id, "", true); err != nil {
		return err
	}
	s.hub.Broadcast(model.EventDelete, model.DeletePayload{ID: id})
	return nil
}

func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	logger.WithContext(r.Context(), logger.FromContext(r.Context())).ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, apperrors.CodeServer, "internal error")
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, response{Error: &errorResponse{Code: code, Message: message}})
}
