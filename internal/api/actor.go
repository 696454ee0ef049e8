package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/NateGarrisonREI1/admin-console-sub000/internal/apperr"
	"github.com/NateGarrisonREI1/admin-console-sub000/internal/models"
)

// Identity is asserted by the fronting auth proxy in these headers.
const (
	headerActorID    = "X-Actor-ID"
	headerActorName  = "X-Actor-Name"
	headerActorEmail = "X-Actor-Email"
	headerActorRole  = "X-Actor-Role"
)

type actorKey struct{}

func actorFrom(ctx context.Context) models.Actor {
	a, _ := ctx.Value(actorKey{}).(models.Actor)
	return a
}

func (s *Server) resolveActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := models.Actor{
			ID:    strings.TrimSpace(r.Header.Get(headerActorID)),
			Name:  strings.TrimSpace(r.Header.Get(headerActorName)),
			Email: strings.TrimSpace(r.Header.Get(headerActorEmail)),
			Role:  models.Role(strings.TrimSpace(r.Header.Get(headerActorRole))),
		}
		switch actor.Role {
		case models.RoleAdmin, models.RoleFieldTech, models.RoleHomeowner:
		case "":
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing " + headerActorRole})
			return
		default:
			// system is reserved for the settlement webhook
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: "unknown role " + string(actor.Role)})
			return
		}
		if actor.ID == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Message: "missing " + headerActorID})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

// jobRef reads the {kind} and {id} path parameters.
func jobRef(r *http.Request) (models.Kind, string, error) {
	kind := models.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		return "", "", apperr.InvalidInput("unknown job kind %q", kind)
	}
	return kind, chi.URLParam(r, "id"), nil
}
