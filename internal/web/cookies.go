package web

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tyemirov/tradehub/internal/authclient"
)

// Cookie names carrying the client-side state.
const (
	CookieAccessToken  = "tradehub_access"
	CookieRefreshToken = "tradehub_refresh"
	CookieExpiresAt    = "tradehub_expires"
	CookieLastRole     = "tradehub_role"
	CookiePendingEmail = "tradehub_pending_email"
	CookieReturnPath   = "tradehub_return_to"
)

const lastRoleMaxAge = 365 * 24 * time.Hour

var cookieNames = map[string]string{
	authclient.KeyAccessToken:  CookieAccessToken,
	authclient.KeyRefreshToken: CookieRefreshToken,
	authclient.KeyExpiresAt:    CookieExpiresAt,
	authclient.KeyLastRole:     CookieLastRole,
	authclient.KeyPendingEmail: CookiePendingEmail,
	authclient.KeyReturnPath:   CookieReturnPath,
}

// CookieConfig controls the attributes of the state cookies.
type CookieConfig struct {
	Domain            string
	SameSite          http.SameSite
	AllowInsecureHTTP bool
	RefreshTTL        time.Duration
}

// cookieStorage is an authclient.Storage over the request cookies. Changes are
// written to the response by flush.
type cookieStorage struct {
	config CookieConfig

	mutex   sync.Mutex
	values  map[string]string
	changed map[string]bool
}

func newCookieStorage(request *http.Request, config CookieConfig) *cookieStorage {
	storage := &cookieStorage{
		config:  config,
		values:  make(map[string]string),
		changed: make(map[string]bool),
	}
	for key, name := range cookieNames {
		cookie, err := request.Cookie(name)
		if err != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
			continue
		}
		storage.values[key] = cookie.Value
	}
	return storage
}

func (storage *cookieStorage) Get(key string) (string, bool) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	value, ok := storage.values[key]
	return value, ok
}

func (storage *cookieStorage) Set(key string, value string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	if current, ok := storage.values[key]; ok && current == value {
		return
	}
	storage.values[key] = value
	storage.changed[key] = true
}

func (storage *cookieStorage) Delete(key string) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	if _, ok := storage.values[key]; !ok {
		return
	}
	delete(storage.values, key)
	storage.changed[key] = true
}

func (storage *cookieStorage) flush(writer http.ResponseWriter) {
	storage.mutex.Lock()
	defer storage.mutex.Unlock()
	for key := range storage.changed {
		name, known := cookieNames[key]
		if !known {
			continue
		}
		cookie := &http.Cookie{
			Name:     name,
			Path:     "/",
			Domain:   storage.config.Domain,
			Secure:   !storage.config.AllowInsecureHTTP,
			HttpOnly: true,
			SameSite: storage.config.SameSite,
		}
		value, present := storage.values[key]
		switch {
		case !present:
			cookie.MaxAge = -1
		case key == authclient.KeyLastRole:
			cookie.Value = value
			cookie.Expires = time.Now().UTC().Add(lastRoleMaxAge)
		case key == authclient.KeyAccessToken || key == authclient.KeyRefreshToken || key == authclient.KeyExpiresAt:
			cookie.Value = value
			cookie.Expires = time.Now().UTC().Add(storage.config.RefreshTTL)
		default:
			cookie.Value = value
		}
		http.SetCookie(writer, cookie)
	}
	storage.changed = make(map[string]bool)
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
