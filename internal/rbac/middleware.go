package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/odyssey-erp/lotledger/internal/platform/httpx"
	"github.com/odyssey-erp/lotledger/internal/shared"
)

// ActorHeader carries the id of the acting user.
const ActorHeader = "X-Actor-ID"

// Middleware wires actor resolution for HTTP handlers.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireActor resolves the acting principal and stores it in the request context.
func (m Middleware) RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := m.actorID(r)
		if !ok {
			httpx.RespondError(w, fmt.Errorf("%w: missing or malformed %s header", httpx.ErrUnauthorized, ActorHeader))
			return
		}
		principal, err := m.Service.Principal(r.Context(), userID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				httpx.RespondError(w, fmt.Errorf("%w: unknown actor %d", httpx.ErrUnauthorized, userID))
				return
			}
			if m.Logger != nil {
				m.Logger.Error("rbac resolve actor", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			httpx.RespondError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
	})
}

// RequireAdmin rejects principals without the admin flag. It must run after RequireActor.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := shared.PrincipalFromContext(r.Context())
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		if !principal.Admin {
			httpx.RespondError(w, fmt.Errorf("%w: admin role required", httpx.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m Middleware) actorID(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if m.Logger != nil {
			m.Logger.Warn("rbac parse actor id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
