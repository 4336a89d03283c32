package profiles

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	databaseURL := fmt.Sprintf("sqlite://file:profiles-%s?mode=memory&cache=shared", uuid.NewString())
	gormDB, driverLabel, err := database.Open(ctx, databaseURL)
	require.NoError(t, err)
	store, err := NewStore(ctx, gormDB, driverLabel)
	require.NoError(t, err)
	return store
}

func stringPointer(value string) *string {
	return &value
}

func TestNewStoreRequiresDatabase(t *testing.T) {
	_, err := NewStore(context.Background(), nil, database.DriverSQLite)
	assert.ErrorIs(t, err, errNilDatabase)
}

func TestDefaultProfileFromMetadata(t *testing.T) {
	confirmedAt := time.Now()
	testCases := []struct {
		name      string
		principal authkit.Principal
		expected  Profile
	}{
		{
			name: "professional with fields",
			principal: authkit.Principal{
				ID:               "principal-1",
				Email:            "Pro@Example.com",
				EmailConfirmedAt: &confirmedAt,
				Metadata: map[string]any{
					authkit.MetadataUserType:     "professional",
					authkit.MetadataFirstName:    "Pat",
					authkit.MetadataLastName:     "Plumber",
					authkit.MetadataPhone:        "555-0100",
					authkit.MetadataBusinessName: "Pat's Pipes",
				},
			},
			expected: Profile{ID: "principal-1", UserType: RoleProfessional, Email: "pro@example.com", FirstName: "Pat", LastName: "Plumber", Phone: "555-0100", BusinessName: "Pat's Pipes", Confirmed: true},
		},
		{
			name:      "missing role defaults to homeowner",
			principal: authkit.Principal{ID: "principal-2", Email: "owner@example.com"},
			expected:  Profile{ID: "principal-2", UserType: RoleHomeowner, Email: "owner@example.com"},
		},
		{
			name:      "admin hint is not honoured",
			principal: authkit.Principal{ID: "principal-3", Email: "sneaky@example.com", Metadata: map[string]any{authkit.MetadataUserType: "admin"}},
			expected:  Profile{ID: "principal-3", UserType: RoleHomeowner, Email: "sneaky@example.com"},
		},
		{
			name:      "full name is split",
			principal: authkit.Principal{ID: "principal-4", Email: "grace@example.com", Metadata: map[string]any{authkit.MetadataFullName: "Grace Brewster Hopper"}},
			expected:  Profile{ID: "principal-4", UserType: RoleHomeowner, Email: "grace@example.com", FirstName: "Grace", LastName: "Brewster Hopper"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			assert.Equal(t, testCase.expected, DefaultProfile(testCase.principal))
		})
	}
}

func TestEnsureDefaultIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, created, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleProfessional, Email: "pro@example.com"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, RoleProfessional, first.UserType)

	second, created, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleHomeowner, Email: "pro@example.com"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, RoleProfessional, second.UserType, "existing row must win")

	var count int64
	require.NoError(t, store.db.Model(&Profile{}).Where("id = ?", "principal-1").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnsureDefaultConcurrentCallsCreateOneRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var waitGroup sync.WaitGroup
	createdCount := make(chan bool, 8)
	for index := 0; index < 8; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, created, err := store.EnsureDefault(ctx, Profile{ID: "racer", UserType: RoleProfessional, Email: "race@example.com"})
			assert.NoError(t, err)
			createdCount <- created
		}()
	}
	waitGroup.Wait()
	close(createdCount)

	creations := 0
	for created := range createdCount {
		if created {
			creations++
		}
	}
	assert.Equal(t, 1, creations)
	var count int64
	require.NoError(t, store.db.Model(&Profile{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpdateNeverChangesRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleHomeowner, Email: "owner@example.com"})
	require.NoError(t, err)

	updated, err := store.Update(ctx, "principal-1", ProfileUpdate{
		UserType:  stringPointer("admin"),
		FirstName: stringPointer(" Olive "),
		Phone:     stringPointer("555-0101"),
	})
	require.NoError(t, err)
	assert.Equal(t, RoleHomeowner, updated.UserType)
	assert.Equal(t, "Olive", updated.FirstName)
	assert.Equal(t, "555-0101", updated.Phone)

	_, err = store.Update(ctx, "missing", ProfileUpdate{FirstName: stringPointer("Nobody")})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfileUpdateChangesRole(t *testing.T) {
	assert.False(t, ProfileUpdate{}.ChangesRole(RoleHomeowner))
	assert.False(t, ProfileUpdate{UserType: stringPointer("Homeowner")}.ChangesRole(RoleHomeowner))
	assert.True(t, ProfileUpdate{UserType: stringPointer("admin")}.ChangesRole(RoleHomeowner))
	assert.Empty(t, ProfileUpdate{UserType: stringPointer("admin")}.Columns())
}

func TestExistsByEmailAndConfirm(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", Email: "owner@example.com"})
	require.NoError(t, err)

	exists, err := store.ExistsByEmail(ctx, " Owner@Example.com ")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = store.ExistsByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	found, err := store.GetByEmail(ctx, "OWNER@example.com")
	require.NoError(t, err)
	assert.Equal(t, "principal-1", found.ID)
	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	require.NoError(t, store.MarkConfirmed(ctx, "principal-1"))
	profile, err := store.Get(ctx, "principal-1")
	require.NoError(t, err)
	assert.True(t, profile.Confirmed)
	assert.Equal(t, RoleHomeowner, profile.UserType)
}

func TestSetRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleProfessional, Email: "pro@example.com"})
	require.NoError(t, err)

	previous, err := store.SetRole(ctx, "principal-1", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, RoleProfessional, previous)
	profile, err := store.Get(ctx, "principal-1")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, profile.UserType)

	_, err = store.SetRole(ctx, "principal-1", Role("janitor"))
	assert.ErrorIs(t, err, ErrUnknownRole)
	_, err = store.SetRole(ctx, "missing", RoleAdmin)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestLoginActivity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()
	for index, principalID := range []string{"a", "b", "a"} {
		require.NoError(t, store.RecordLogin(ctx, LoginActivity{
			PrincipalID: principalID,
			Email:       principalID + "@example.com",
			Method:      "password",
			CreatedAt:   base.Add(time.Duration(index) * time.Minute),
		}))
	}

	all, err := store.RecentLogins(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	onlyA, err := store.RecentLogins(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "a", onlyA[0].PrincipalID)
}

func TestRoleChangeRequestLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleHomeowner, Email: "owner@example.com"})
	require.NoError(t, err)

	_, err = store.CreateRoleChangeRequest(ctx, "principal-1", RoleHomeowner, "same")
	assert.ErrorIs(t, err, ErrRoleUnchanged)
	_, err = store.CreateRoleChangeRequest(ctx, "missing", RoleProfessional, "")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	request, err := store.CreateRoleChangeRequest(ctx, "principal-1", RoleProfessional, " I became a plumber ")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, request.Status)
	assert.Equal(t, RoleHomeowner, request.CurrentRole)
	assert.Equal(t, "I became a plumber", request.Reason)

	_, err = store.CreateRoleChangeRequest(ctx, "principal-1", RoleAdmin, "")
	assert.ErrorIs(t, err, ErrPendingRequestExists)

	pending, err := store.ListRoleChangeRequests(ctx, RequestPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	approved, err := store.ResolveRoleChangeRequest(ctx, request.ID, "admin-1", true)
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ReviewerID)
	require.NotNil(t, approved.ReviewedAt)

	profile, err := store.Get(ctx, "principal-1")
	require.NoError(t, err)
	assert.Equal(t, RoleProfessional, profile.UserType)

	_, err = store.ResolveRoleChangeRequest(ctx, request.ID, "admin-1", false)
	assert.ErrorIs(t, err, ErrRequestResolved)
	_, err = store.ResolveRoleChangeRequest(ctx, "missing", "admin-1", true)
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestRejectedRequestKeepsRole(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, _, err := store.EnsureDefault(ctx, Profile{ID: "principal-1", UserType: RoleProfessional, Email: "pro@example.com"})
	require.NoError(t, err)
	request, err := store.CreateRoleChangeRequest(ctx, "principal-1", RoleAdmin, "")
	require.NoError(t, err)

	rejected, err := store.ResolveRoleChangeRequest(ctx, request.ID, "admin-1", false)
	require.NoError(t, err)
	assert.Equal(t, RequestRejected, rejected.Status)
	profile, err := store.Get(ctx, "principal-1")
	require.NoError(t, err)
	assert.Equal(t, RoleProfessional, profile.UserType)

	all, err := store.ListRoleChangeRequests(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
