package session

import (
	"strings"

	"github.com/tyemirov/tradehub/internal/authclient"
	"github.com/tyemirov/tradehub/internal/profiles"
)

// Preferences are the client-side conveniences kept next to the session tokens:
// the last-used role, the email waiting for confirmation and the post-login return path.
// While signed in the last role is only a cache of the profile role.
type Preferences struct {
	storage authclient.Storage
}

// NewPreferences wraps storage.
func NewPreferences(storage authclient.Storage) *Preferences {
	return &Preferences{storage: storage}
}

// LastRole returns the last-used role.
func (preferences *Preferences) LastRole() (profiles.Role, bool) {
	value, ok := preferences.storage.Get(authclient.KeyLastRole)
	if !ok {
		return "", false
	}
	role, err := profiles.ParseRole(value)
	if err != nil {
		return "", false
	}
	return role, true
}

// SetLastRole records role.
func (preferences *Preferences) SetLastRole(role profiles.Role) {
	if role.Valid() {
		preferences.storage.Set(authclient.KeyLastRole, string(role))
	}
}

// SwitchRole records requested as the last-used role and returns the route to navigate to.
// When authoritative is set (signed in) any other role is refused and the authoritative
// role's root is returned with switched=false.
func (preferences *Preferences) SwitchRole(requested profiles.Role, authoritative profiles.Role) (string, bool) {
	if authoritative != "" && requested != authoritative {
		preferences.SetLastRole(authoritative)
		return authoritative.Root(), false
	}
	preferences.SetLastRole(requested)
	return requested.Root(), true
}

// PendingEmail returns the email waiting for confirmation.
func (preferences *Preferences) PendingEmail() string {
	value, _ := preferences.storage.Get(authclient.KeyPendingEmail)
	return value
}

// SetPendingEmail records the email waiting for confirmation.
func (preferences *Preferences) SetPendingEmail(email string) {
	preferences.storage.Set(authclient.KeyPendingEmail, strings.ToLower(strings.TrimSpace(email)))
}

// ClearPendingEmail forgets the pending email.
func (preferences *Preferences) ClearPendingEmail() {
	preferences.storage.Delete(authclient.KeyPendingEmail)
}

// SetReturnPath remembers a local path to return to after sign-in.
func (preferences *Preferences) SetReturnPath(path string) {
	if !isLocalPath(path) {
		return
	}
	preferences.storage.Set(authclient.KeyReturnPath, path)
}

// TakeReturnPath returns and forgets the stored return path.
func (preferences *Preferences) TakeReturnPath() string {
	value, _ := preferences.storage.Get(authclient.KeyReturnPath)
	preferences.storage.Delete(authclient.KeyReturnPath)
	return value
}

// Clear forgets every preference.
func (preferences *Preferences) Clear() {
	preferences.storage.Delete(authclient.KeyLastRole)
	preferences.storage.Delete(authclient.KeyPendingEmail)
	preferences.storage.Delete(authclient.KeyReturnPath)
}

func isLocalPath(path string) bool {
	return strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "//") && !strings.Contains(path, "\\")
}
