package session

import (
	"net/url"

	"github.com/tyemirov/tradehub/internal/profiles"
)

// LoginPath is where unauthenticated visitors are sent.
const LoginPath = "/login"

// Action is what the guard decided for a request.
type Action string

// Guard actions.
const (
	ActionRender   Action = "render"
	ActionWait     Action = "wait"
	ActionRedirect Action = "redirect"
)

// Decision is the guard outcome; Location is set for redirects.
type Decision struct {
	Action   Action
	Location string
}

// Guard decides whether state may see a page of the required role subtree.
func Guard(state State, required profiles.Role, requestedPath string) Decision {
	switch state.Status {
	case StatusLoading:
		return Decision{Action: ActionWait}
	case StatusAuthenticated:
		role := state.Role()
		if role == "" {
			return Decision{Action: ActionRedirect, Location: loginLocation(requestedPath)}
		}
		if role != required {
			return Decision{Action: ActionRedirect, Location: role.Root()}
		}
		return Decision{Action: ActionRender}
	default:
		return Decision{Action: ActionRedirect, Location: loginLocation(requestedPath)}
	}
}

func loginLocation(requestedPath string) string {
	if !isLocalPath(requestedPath) {
		return LoginPath
	}
	return LoginPath + "?redirect=" + url.QueryEscape(requestedPath)
}
