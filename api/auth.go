package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/Oceloteg/Shishki-picking/infrastructure/argon"
	"github.com/Oceloteg/Shishki-picking/models"
)

type loginRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok, err := argon.ComparePasswordAndHash(req.Password, s.passwordHash)
	if err != nil {
		s.log.Error("password compare failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "wrong password")
		return
	}

	session := models.Session{
		ID:        uuid.NewString(),
		ExpiresAt: time.Now().UTC().Add(s.cfg.SessionTTL),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.persistSession(r.Context(), session); err != nil {
		s.log.Error("persist session", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, s.sessionCookie(session.ID, int(s.cfg.SessionTTL.Seconds())))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(s.cfg.CookieName); err == nil && c.Value != "" {
		if err := s.deleteSession(r.Context(), c.Value); err != nil {
			s.log.Error("delete session", "err", err)
		}
	}
	http.SetCookie(w, s.sessionCookie("", -1))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// AuthenticateMiddleware requires a valid, unexpired session cookie.
func (s *Server) AuthenticateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(s.cfg.CookieName)
		if err != nil || c.Value == "" {
			s.writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		session, err := s.loadSession(r.Context(), c.Value)
		if err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				s.log.Error("load session", "err", err)
			}
			s.writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if session.Expired() {
			if err := s.deleteSession(r.Context(), session.ID); err != nil {
				s.log.Error("delete expired session", "err", err)
			}
			http.SetCookie(w, s.sessionCookie("", -1))
			s.writeError(w, http.StatusUnauthorized, "session expired")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.cfg.CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func (s *Server) persistSession(ctx context.Context, session models.Session) error {
	return s.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&session).Exec(ctx)
		return err
	})
}

func (s *Server) loadSession(ctx context.Context, id string) (models.Session, error) {
	var session models.Session
	err := s.db.WithReadTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		return tx.NewSelect().Model(&session).Where("id = ?", id).Scan(ctx)
	})
	return session, err
}

func (s *Server) deleteSession(ctx context.Context, id string) error {
	return s.db.WithWriteTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().Model((*models.Session)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}
