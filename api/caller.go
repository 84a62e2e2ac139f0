package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/warp/commission-engine/commission"
)

// Headers set by the authenticating gateway in front of this service.
// The service trusts them as already verified.
const (
	HeaderCallerID    = "X-Caller-ID"
	HeaderCallerAdmin = "X-Caller-Admin"
)

// Caller is the verified identity of the request.
type Caller struct {
	ID      commission.AgentID
	IsAdmin bool
}

// CanView reports whether the caller may read an agent's data.
func (c Caller) CanView(agentID commission.AgentID) bool {
	return c.IsAdmin || (c.ID != "" && c.ID == agentID)
}

type callerKey struct{}

// CallerContext reads the caller headers into the request context.
func CallerContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, _ := strconv.ParseBool(r.Header.Get(HeaderCallerAdmin))
		c := Caller{
			ID:      commission.AgentID(r.Header.Get(HeaderCallerID)),
			IsAdmin: admin,
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

// CallerFrom returns the caller stored by CallerContext, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// RequireAdmin rejects non-admin callers with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !CallerFrom(r.Context()).IsAdmin {
			writeError(w, http.StatusForbidden, "Admin access required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
