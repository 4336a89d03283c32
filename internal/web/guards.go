package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tradehub/internal/profiles"
	"github.com/tyemirov/tradehub/internal/session"
)

// requireSignedIn answers 401 for API calls without a session.
func (gateway *Gateway) requireSignedIn() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		state := scopeFrom(contextGin).initialize(contextGin)
		if state.Status != session.StatusAuthenticated || state.Profile == nil {
			gateway.respond(contextGin, http.StatusUnauthorized, session.Result{Success: false, Message: session.Message(session.ErrNoUser)})
			contextGin.Abort()
			return
		}
		contextGin.Next()
	}
}

// requireAPIRole answers 401 without a session and 403 for another role.
func (gateway *Gateway) requireAPIRole(role profiles.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		state := scopeFrom(contextGin).initialize(contextGin)
		switch {
		case state.Status != session.StatusAuthenticated || state.Profile == nil:
			gateway.respond(contextGin, http.StatusUnauthorized, session.Result{Success: false, Message: session.Message(session.ErrNoUser)})
			contextGin.Abort()
		case state.Role() != role:
			gateway.respond(contextGin, http.StatusForbidden, session.Result{Success: false, Message: "You do not have access to this area."})
			contextGin.Abort()
		default:
			contextGin.Next()
		}
	}
}

// requirePageRole applies the route guard to a role subtree.
func (gateway *Gateway) requirePageRole(role profiles.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		state := scopeFrom(contextGin).initialize(contextGin)
		decision := session.Guard(state, role, contextGin.Request.URL.RequestURI())
		switch decision.Action {
		case session.ActionWait:
			gateway.respond(contextGin, http.StatusAccepted, gin.H{"status": string(session.StatusLoading)})
			contextGin.Abort()
		case session.ActionRedirect:
			gateway.redirect(contextGin, decision.Location)
		default:
			contextGin.Next()
		}
	}
}
