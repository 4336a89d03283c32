package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tradehub/internal/authclient"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/database"
	"github.com/tyemirov/tradehub/internal/profiles"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/idtoken"
	"gorm.io/gorm"
)

const googleTestClientID = "session-google-client"

// googleStub accepts ID tokens of the form "google:<email>".
type googleStub struct{}

func (googleStub) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	email, ok := strings.CutPrefix(token, "google:")
	if !ok || audience != googleTestClientID {
		return nil, errors.New("google.rejected")
	}
	return &idtoken.Payload{Claims: map[string]interface{}{
		"iss":            "https://accounts.google.com",
		"sub":            "sub-" + email,
		"email":          email,
		"email_verified": true,
	}}, nil
}

type environment struct {
	backend     *authkit.Backend
	users       *authkit.DatabaseUserStore
	profiles    *profiles.Store
	sender      *authkit.MemoryCodeSender
	profileSync *singleflight.Group
	db          *gorm.DB
}

func newEnvironment(t *testing.T, autoConfirm bool) *environment {
	t.Helper()
	ctx := context.Background()
	databaseURL := fmt.Sprintf("sqlite://file:session-%s?mode=memory&cache=shared", uuid.NewString())
	gormDB, driverLabel, err := database.Open(ctx, databaseURL)
	require.NoError(t, err)
	sqlDB, err := gormDB.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	users, err := authkit.NewDatabaseUserStore(ctx, gormDB, driverLabel)
	require.NoError(t, err)
	profileStore, err := profiles.NewStore(ctx, gormDB, driverLabel)
	require.NoError(t, err)
	sender := authkit.NewMemoryCodeSender()
	backend, err := authkit.NewBackend(authkit.Config{
		SigningKey:        []byte("session-test-signing-key"),
		Issuer:            "tradehub-test",
		AccessTTL:         time.Minute,
		RefreshTTL:        time.Hour,
		AutoConfirm:       autoConfirm,
		GoogleWebClientID: googleTestClientID,
	}, authkit.Dependencies{
		Users:         users,
		RefreshTokens: authkit.NewMemoryRefreshTokenStore(),
		OTPs:          authkit.NewMemoryOTPStore(time.Minute),
		Sender:        sender,
		Google:        googleStub{},
	})
	require.NoError(t, err)
	return &environment{
		backend:     backend,
		users:       users,
		profiles:    profileStore,
		sender:      sender,
		profileSync: &singleflight.Group{},
		db:          gormDB,
	}
}

// registerPrincipal creates a confirmed principal without a profile row.
func (env *environment) registerPrincipal(t *testing.T, email string, password string, metadata map[string]any) authkit.Principal {
	t.Helper()
	result, err := env.backend.SignUp(context.Background(), email, password, metadata)
	require.NoError(t, err)
	return result.Principal
}

type clientHarness struct {
	storage      *authclient.MemoryStorage
	client       *authclient.Client
	navigator    *RecordingNavigator
	synchronizer *Synchronizer
}

func (env *environment) newClient(t *testing.T, storage *authclient.MemoryStorage) *clientHarness {
	t.Helper()
	if storage == nil {
		storage = authclient.NewMemoryStorage()
	}
	client, err := authclient.New(env.backend, storage, nil)
	require.NoError(t, err)
	navigator := &RecordingNavigator{}
	synchronizer, err := NewSynchronizer(Options{
		Client:      client,
		Profiles:    env.profiles,
		Navigator:   navigator,
		ProfileSync: env.profileSync,
	})
	require.NoError(t, err)
	t.Cleanup(synchronizer.Close)
	return &clientHarness{storage: storage, client: client, navigator: navigator, synchronizer: synchronizer}
}

func (env *environment) profileCount(t *testing.T, principalID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, env.db.Model(&profiles.Profile{}).Where("id = ?", principalID).Count(&count).Error)
	return count
}
