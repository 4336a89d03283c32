// Package session keeps one client's view of who is signed in, and with which
// role, consistent with the auth backend and the profile table.
package session

import (
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/profiles"
)

// Status is the state of the session as seen by the route guard.
type Status string

// Session states.
const (
	StatusLoading         Status = "LOADING"
	StatusUnauthenticated Status = "UNAUTHENTICATED"
	StatusAuthenticated   Status = "AUTHENTICATED"
)

// State is a snapshot of the synchronizer.
type State struct {
	Status  Status             `json:"status"`
	Session *authkit.Session   `json:"-"`
	User    *authkit.Principal `json:"user,omitempty"`
	Profile *profiles.Profile  `json:"profile,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Role returns the authoritative role, or "" when not authenticated.
func (state State) Role() profiles.Role {
	if state.Status != StatusAuthenticated || state.Profile == nil {
		return ""
	}
	return state.Profile.UserType
}

func (state State) clone() State {
	cloned := state
	if state.Session != nil {
		session := *state.Session
		cloned.Session = &session
		principal := session.Principal
		cloned.User = &principal
	}
	if state.Profile != nil {
		profile := *state.Profile
		cloned.Profile = &profile
	}
	return cloned
}

// Result is the uniform outcome of every user-facing operation.
type Result struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Data     any    `json:"data,omitempty"`
	Redirect string `json:"redirect,omitempty"`
}

func failure(message string) Result {
	return Result{Success: false, Message: message}
}
