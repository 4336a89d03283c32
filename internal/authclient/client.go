// Package authclient is the per-client view of the auth backend: it keeps the
// session tokens in a Storage and notifies listeners about auth state changes.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/tradehub/internal/authkit"
	"go.uber.org/zap"
)

// EventType names an auth state change.
type EventType string

// Auth state changes delivered to listeners.
const (
	EventSignedIn       EventType = "SIGNED_IN"
	EventSignedOut      EventType = "SIGNED_OUT"
	EventTokenRefreshed EventType = "TOKEN_REFRESHED"
)

// Event is delivered to listeners after the client state has changed.
type Event struct {
	Type    EventType
	Session *authkit.Session
}

// Listener receives auth state changes. Listeners run synchronously on the caller's goroutine.
type Listener func(ctx context.Context, event Event)

// Backend is the part of the auth backend used by the client.
type Backend interface {
	SignUp(ctx context.Context, email string, password string, metadata map[string]any) (authkit.SignUpResult, error)
	SignInWithPassword(ctx context.Context, email string, password string) (authkit.Session, error)
	SendOTP(ctx context.Context, email string, options authkit.OTPOptions) error
	VerifyOTP(ctx context.Context, email string, code string) (authkit.Session, error)
	SignInWithIDToken(ctx context.Context, idToken string, metadata map[string]any) (authkit.Session, error)
	RefreshSession(ctx context.Context, refreshToken string) (authkit.Session, error)
	GetUser(ctx context.Context, accessToken string) (authkit.Principal, error)
	SignOut(ctx context.Context, accessToken string, refreshToken string, scope authkit.SignOutScope) error
}

var (
	errNilBackend = errors.New("authclient.nil_backend")
	errNilStorage = errors.New("authclient.nil_storage")
)

// Client holds one client's session.
type Client struct {
	backend Backend
	storage Storage
	logger  *zap.Logger

	mutex          sync.Mutex
	session        *authkit.Session
	listeners      map[uint64]Listener
	nextListenerID uint64
}

// Subscription detaches a listener.
type Subscription struct {
	client *Client
	id     uint64
}

// New constructs a Client over storage.
func New(backend Backend, storage Storage, logger *zap.Logger) (*Client, error) {
	if backend == nil {
		return nil, errNilBackend
	}
	if storage == nil {
		return nil, errNilStorage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		backend:   backend,
		storage:   storage,
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}, nil
}

// Storage exposes the client-side key/value state.
func (client *Client) Storage() Storage {
	return client.storage
}

// OnAuthStateChange registers listener for subsequent auth state changes.
func (client *Client) OnAuthStateChange(listener Listener) *Subscription {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.nextListenerID++
	client.listeners[client.nextListenerID] = listener
	return &Subscription{client: client, id: client.nextListenerID}
}

// Unsubscribe removes the listener; it is safe to call more than once.
func (subscription *Subscription) Unsubscribe() {
	if subscription == nil || subscription.client == nil {
		return
	}
	subscription.client.mutex.Lock()
	defer subscription.client.mutex.Unlock()
	delete(subscription.client.listeners, subscription.id)
}

// GetSession returns the current session, refreshing an expired access token when a
// refresh token is stored. It returns nil without error when nobody is signed in.
func (client *Client) GetSession(ctx context.Context) (*authkit.Session, error) {
	session, refreshed, err := client.loadSession(ctx)
	if err != nil {
		return nil, err
	}
	if refreshed {
		client.emit(ctx, Event{Type: EventTokenRefreshed, Session: copySession(session)})
	}
	return copySession(session), nil
}

func (client *Client) loadSession(ctx context.Context) (*authkit.Session, bool, error) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	if client.session != nil {
		return client.session, false, nil
	}

	accessToken, _ := client.storage.Get(KeyAccessToken)
	refreshToken, _ := client.storage.Get(KeyRefreshToken)
	if strings.TrimSpace(accessToken) == "" && strings.TrimSpace(refreshToken) == "" {
		return nil, false, nil
	}

	if strings.TrimSpace(accessToken) != "" {
		principal, err := client.backend.GetUser(ctx, accessToken)
		if err == nil {
			client.session = &authkit.Session{
				AccessToken:  accessToken,
				RefreshToken: refreshToken,
				ExpiresAt:    client.storedExpiry(),
				Principal:    principal,
			}
			return client.session, false, nil
		}
		if !errors.Is(err, authkit.ErrSessionExpired) && !errors.Is(err, authkit.ErrInvalidAccessToken) {
			return nil, false, fmt.Errorf("authclient.get_session: %w", err)
		}
	}
	if strings.TrimSpace(refreshToken) == "" {
		client.clearTokens()
		return nil, false, nil
	}

	session, err := client.backend.RefreshSession(ctx, refreshToken)
	if err != nil {
		client.logger.Info("stored session discarded",
			zap.String("code", "authclient.refresh_failed"),
			zap.Error(err))
		client.clearTokens()
		return nil, false, nil
	}
	client.storeSession(session)
	return client.session, true, nil
}

// RefreshSession rotates the stored refresh token.
func (client *Client) RefreshSession(ctx context.Context) (authkit.Session, error) {
	refreshToken, _ := client.storage.Get(KeyRefreshToken)
	if strings.TrimSpace(refreshToken) == "" {
		return authkit.Session{}, fmt.Errorf("authclient.refresh: %w", authkit.ErrRefreshTokenEmptyOpaque)
	}
	session, err := client.backend.RefreshSession(ctx, refreshToken)
	if err != nil {
		return authkit.Session{}, fmt.Errorf("authclient.refresh: %w", err)
	}
	client.replaceSession(session)
	client.emit(ctx, Event{Type: EventTokenRefreshed, Session: copySession(&session)})
	return session, nil
}

// SignInWithPassword signs in and announces SIGNED_IN.
func (client *Client) SignInWithPassword(ctx context.Context, email string, password string) (authkit.Session, error) {
	session, err := client.backend.SignInWithPassword(ctx, email, password)
	if err != nil {
		return authkit.Session{}, err
	}
	client.signedIn(ctx, session)
	return session, nil
}

// SignUp registers a principal; a returned session is announced as SIGNED_IN.
func (client *Client) SignUp(ctx context.Context, email string, password string, metadata map[string]any) (authkit.SignUpResult, error) {
	result, err := client.backend.SignUp(ctx, email, password, metadata)
	if err != nil {
		return authkit.SignUpResult{}, err
	}
	if result.Session != nil {
		client.signedIn(ctx, *result.Session)
	}
	return result, nil
}

// SignInWithOTP asks the backend to send a one-time code.
func (client *Client) SignInWithOTP(ctx context.Context, email string, options authkit.OTPOptions) error {
	return client.backend.SendOTP(ctx, email, options)
}

// VerifyOTP exchanges a one-time code for a session.
func (client *Client) VerifyOTP(ctx context.Context, email string, code string) (authkit.Session, error) {
	session, err := client.backend.VerifyOTP(ctx, email, code)
	if err != nil {
		return authkit.Session{}, err
	}
	client.signedIn(ctx, session)
	return session, nil
}

// SignInWithIDToken exchanges a third-party identity token for a session.
func (client *Client) SignInWithIDToken(ctx context.Context, idToken string, metadata map[string]any) (authkit.Session, error) {
	session, err := client.backend.SignInWithIDToken(ctx, idToken, metadata)
	if err != nil {
		return authkit.Session{}, err
	}
	client.signedIn(ctx, session)
	return session, nil
}

// SignOut revokes tokens on the backend, then clears local state and announces SIGNED_OUT
// even when the backend call failed. The backend error is returned.
func (client *Client) SignOut(ctx context.Context, scope authkit.SignOutScope) error {
	accessToken, _ := client.storage.Get(KeyAccessToken)
	refreshToken, _ := client.storage.Get(KeyRefreshToken)
	var backendErr error
	if strings.TrimSpace(accessToken) != "" || strings.TrimSpace(refreshToken) != "" {
		backendErr = client.backend.SignOut(ctx, accessToken, refreshToken, scope)
	}

	client.mutex.Lock()
	client.session = nil
	client.clearTokens()
	client.mutex.Unlock()

	client.emit(ctx, Event{Type: EventSignedOut})
	if backendErr != nil {
		return fmt.Errorf("authclient.sign_out: %w", backendErr)
	}
	return nil
}

func (client *Client) signedIn(ctx context.Context, session authkit.Session) {
	client.replaceSession(session)
	client.emit(ctx, Event{Type: EventSignedIn, Session: copySession(&session)})
}

func (client *Client) replaceSession(session authkit.Session) {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	client.storeSession(session)
}

// storeSession requires client.mutex.
func (client *Client) storeSession(session authkit.Session) {
	stored := session
	client.session = &stored
	client.storage.Set(KeyAccessToken, session.AccessToken)
	client.storage.Set(KeyRefreshToken, session.RefreshToken)
	if !session.ExpiresAt.IsZero() {
		client.storage.Set(KeyExpiresAt, session.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

// clearTokens requires client.mutex.
func (client *Client) clearTokens() {
	client.session = nil
	client.storage.Delete(KeyAccessToken)
	client.storage.Delete(KeyRefreshToken)
	client.storage.Delete(KeyExpiresAt)
}

func (client *Client) storedExpiry() time.Time {
	value, ok := client.storage.Get(KeyExpiresAt)
	if !ok {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func (client *Client) emit(ctx context.Context, event Event) {
	client.mutex.Lock()
	identifiers := make([]uint64, 0, len(client.listeners))
	for identifier := range client.listeners {
		identifiers = append(identifiers, identifier)
	}
	sort.Slice(identifiers, func(left, right int) bool { return identifiers[left] < identifiers[right] })
	listeners := make([]Listener, 0, len(identifiers))
	for _, identifier := range identifiers {
		listeners = append(listeners, client.listeners[identifier])
	}
	client.mutex.Unlock()

	for _, listener := range listeners {
		listener(ctx, event)
	}
}

func copySession(session *authkit.Session) *authkit.Session {
	if session == nil {
		return nil
	}
	clone := *session
	if session.Principal.Metadata != nil {
		metadata := make(map[string]any, len(session.Principal.Metadata))
		for key, value := range session.Principal.Metadata {
			metadata[key] = value
		}
		clone.Principal.Metadata = metadata
	}
	return &clone
}
