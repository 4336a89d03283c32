package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/database"
	"github.com/tyemirov/tradehub/internal/events"
	"github.com/tyemirov/tradehub/internal/profiles"
	"go.uber.org/zap"
)

type publishedEvent struct {
	routingKey string
	payload    any
}

type recordingPublisher struct {
	mutex  sync.Mutex
	events []publishedEvent
}

func (publisher *recordingPublisher) Publish(ctx context.Context, routingKey string, payload any) error {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	publisher.events = append(publisher.events, publishedEvent{routingKey: routingKey, payload: payload})
	return nil
}

func (publisher *recordingPublisher) Close() error { return nil }

func (publisher *recordingPublisher) find(routingKey string) (any, bool) {
	publisher.mutex.Lock()
	defer publisher.mutex.Unlock()
	for _, event := range publisher.events {
		if event.routingKey == routingKey {
			return event.payload, true
		}
	}
	return nil, false
}

type gatewayHarness struct {
	server    *httptest.Server
	backend   *authkit.Backend
	profiles  *profiles.Store
	publisher *recordingPublisher
}

func newGatewayHarness(t *testing.T, allowInsecure bool) *gatewayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	gormDB, driverLabel, err := database.Open(ctx, fmt.Sprintf("sqlite://file:web-%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	users, err := authkit.NewDatabaseUserStore(ctx, gormDB, driverLabel)
	if err != nil {
		t.Fatalf("failed to create user store: %v", err)
	}
	profileStore, err := profiles.NewStore(ctx, gormDB, driverLabel)
	if err != nil {
		t.Fatalf("failed to create profile store: %v", err)
	}
	registry := prometheus.NewRegistry()
	metrics, err := authkit.NewPrometheusMetrics(registry)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	publisher := &recordingPublisher{}
	backend, err := authkit.NewBackend(authkit.Config{
		SigningKey:  []byte("web-test-signing-key"),
		Issuer:      "tradehub-test",
		AccessTTL:   time.Minute,
		RefreshTTL:  time.Hour,
		AutoConfirm: true,
	}, authkit.Dependencies{
		Users:         users,
		RefreshTokens: authkit.NewMemoryRefreshTokenStore(),
		OTPs:          authkit.NewMemoryOTPStore(time.Minute),
		Sender:        authkit.NewMemoryCodeSender(),
		Publisher:     publisher,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}

	gateway, err := NewGateway(Config{
		Cookies:           CookieConfig{AllowInsecureHTTP: allowInsecure, RefreshTTL: time.Hour},
		Client:            ClientConfig{GoogleClientID: "client-id"},
		MinPasswordLength: 6,
	}, Dependencies{
		Backend:   backend,
		Profiles:  profileStore,
		Publisher: publisher,
		Gatherer:  registry,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to create gateway: %v", err)
	}
	router := gin.New()
	gateway.Mount(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayHarness{server: server, backend: backend, profiles: profileStore, publisher: publisher}
}

func (harness *gatewayHarness) register(t *testing.T, email string, role profiles.Role) authkit.Principal {
	t.Helper()
	result, err := harness.backend.SignUp(context.Background(), email, "secret-password", map[string]any{
		authkit.MetadataUserType: string(role),
	})
	if err != nil {
		t.Fatalf("sign up %s failed: %v", email, err)
	}
	return result.Principal
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(request *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

type envelope struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data"`
	Redirect string          `json:"redirect"`
	Status   string          `json:"status"`
	Profile  json.RawMessage `json:"profile"`
	Role     string          `json:"role"`
}

func (harness *gatewayHarness) call(t *testing.T, browser *http.Client, method string, path string, body any) (int, envelope, *http.Response) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, harness.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := browser.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var decoded envelope
	if len(raw) > 0 && strings.HasPrefix(response.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("failed to decode %s: %v", string(raw), err)
		}
	}
	return response.StatusCode, decoded, response
}

func (harness *gatewayHarness) login(t *testing.T, browser *http.Client, email string, redirect string) envelope {
	t.Helper()
	status, result, _ := harness.call(t, browser, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": "secret-password",
		"redirect": redirect,
	})
	if status != http.StatusOK || !result.Success {
		t.Fatalf("login %s failed: %d %+v", email, status, result)
	}
	return result
}

func TestProfessionalSignInLandsOnProfessionalDashboard(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	principal := harness.register(t, "pro@example.com", profiles.RoleProfessional)
	browser := newBrowser(t)

	result := harness.login(t, browser, "pro@example.com", "")
	if result.Redirect != "/professional/dashboard" {
		t.Fatalf("expected professional dashboard, got %q", result.Redirect)
	}
	profile, err := harness.profiles.Get(context.Background(), principal.ID)
	if err != nil {
		t.Fatalf("expected profile row: %v", err)
	}
	if profile.UserType != profiles.RoleProfessional {
		t.Fatalf("expected professional profile, got %s", profile.UserType)
	}

	status, page, _ := harness.call(t, browser, http.MethodGet, "/professional/dashboard", nil)
	if status != http.StatusOK || page.Role != string(profiles.RoleProfessional) {
		t.Fatalf("expected professional page, got %d %+v", status, page)
	}

	status, _, response := harness.call(t, browser, http.MethodGet, "/homeowner/projects", nil)
	if status != http.StatusFound || response.Header.Get("Location") != "/professional" {
		t.Fatalf("expected redirect to /professional, got %d %q", status, response.Header.Get("Location"))
	}

	status, session, _ := harness.call(t, browser, http.MethodGet, "/auth/session", nil)
	if status != http.StatusOK || session.Status != "AUTHENTICATED" {
		t.Fatalf("expected authenticated session, got %d %+v", status, session)
	}
}

func TestGuardRedirectsAnonymousVisitorsToLogin(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	browser := newBrowser(t)

	status, _, response := harness.call(t, browser, http.MethodGet, "/professional/jobs?page=2", nil)
	if status != http.StatusFound {
		t.Fatalf("expected 302, got %d", status)
	}
	if location := response.Header.Get("Location"); location != "/login?redirect=%2Fprofessional%2Fjobs%3Fpage%3D2" {
		t.Fatalf("unexpected login location %q", location)
	}
}

func TestLoginHonoursRedirectInsideOwnSubtree(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	harness.register(t, "owner@example.com", profiles.RoleHomeowner)

	result := harness.login(t, newBrowser(t), "owner@example.com", "/homeowner/projects/42")
	if result.Redirect != "/homeowner/projects/42" {
		t.Fatalf("expected stored return path, got %q", result.Redirect)
	}

	result = harness.login(t, newBrowser(t), "owner@example.com", "/professional/jobs")
	if result.Redirect != "/homeowner/dashboard" {
		t.Fatalf("expected dashboard for foreign subtree, got %q", result.Redirect)
	}
}

func TestLoginFailureReturnsMessage(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	harness.register(t, "owner@example.com", profiles.RoleHomeowner)

	status, result, _ := harness.call(t, newBrowser(t), http.MethodPost, "/auth/login", map[string]string{
		"email":    "owner@example.com",
		"password": "wrong-password",
	})
	if status != http.StatusUnauthorized || result.Success {
		t.Fatalf("expected 401 failure, got %d %+v", status, result)
	}
	if result.Message != "Invalid email or password." {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestSignUpThroughGateway(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	browser := newBrowser(t)

	status, result, _ := harness.call(t, browser, http.MethodPost, "/auth/signup", map[string]string{
		"email":            "new.pro@example.com",
		"password":         "secret-password",
		"confirm_password": "secret-password",
		"role":             "professional",
		"business_name":    "Acme Roofing",
	})
	if status != http.StatusOK || !result.Success {
		t.Fatalf("expected sign-up success, got %d %+v", status, result)
	}
	if result.Redirect != "/professional/dashboard" {
		t.Fatalf("unexpected redirect %q", result.Redirect)
	}

	status, exists, _ := harness.call(t, browser, http.MethodGet, "/auth/email-exists?email=new.pro@example.com", nil)
	if status != http.StatusOK || string(exists.Data) != `{"exists":true}` {
		t.Fatalf("expected email to exist, got %d %s", status, string(exists.Data))
	}

	status, rejected, _ := harness.call(t, newBrowser(t), http.MethodPost, "/auth/signup", map[string]string{
		"email":    "admin@example.com",
		"password": "secret-password",
		"role":     "admin",
	})
	if status != http.StatusBadRequest || rejected.Success {
		t.Fatalf("expected admin self sign-up to be rejected, got %d %+v", status, rejected)
	}
}

func TestLogoutClearsSessionCookies(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	harness.register(t, "owner@example.com", profiles.RoleHomeowner)
	browser := newBrowser(t)
	harness.login(t, browser, "owner@example.com", "")

	status, result, _ := harness.call(t, browser, http.MethodPost, "/auth/logout?scope=global", nil)
	if status != http.StatusOK || !result.Success || result.Redirect != "/" {
		t.Fatalf("expected sign out success, got %d %+v", status, result)
	}
	status, session, _ := harness.call(t, browser, http.MethodGet, "/auth/session", nil)
	if status != http.StatusOK || session.Status != "UNAUTHENTICATED" {
		t.Fatalf("expected unauthenticated session, got %d %+v", status, session)
	}
	status, _, _ = harness.call(t, browser, http.MethodPatch, "/api/profile", map[string]string{"first_name": "Ann"})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", status)
	}
}

func TestProfileUpdateKeepsRole(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	principal := harness.register(t, "owner@example.com", profiles.RoleHomeowner)
	browser := newBrowser(t)
	harness.login(t, browser, "owner@example.com", "")

	status, result, _ := harness.call(t, browser, http.MethodPatch, "/api/profile", map[string]string{
		"first_name": "Ann",
		"user_type":  "admin",
	})
	if status != http.StatusOK || result.Message != "Profile updated. Your role was not changed." {
		t.Fatalf("unexpected update result %d %+v", status, result)
	}
	profile, err := harness.profiles.Get(context.Background(), principal.ID)
	if err != nil {
		t.Fatalf("profile lookup failed: %v", err)
	}
	if profile.FirstName != "Ann" || profile.UserType != profiles.RoleHomeowner {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestRoleChangeRequestApprovedByAdmin(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	owner := harness.register(t, "owner@example.com", profiles.RoleHomeowner)
	admin := harness.register(t, "admin@example.com", profiles.RoleHomeowner)

	ownerBrowser := newBrowser(t)
	harness.login(t, ownerBrowser, "owner@example.com", "")
	adminBrowser := newBrowser(t)
	harness.login(t, adminBrowser, "admin@example.com", "")

	status, _, _ := harness.call(t, adminBrowser, http.MethodGet, "/api/admin/role-change-requests", nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 before promotion, got %d", status)
	}
	if _, err := harness.profiles.SetRole(context.Background(), admin.ID, profiles.RoleAdmin); err != nil {
		t.Fatalf("promotion failed: %v", err)
	}

	status, requested, _ := harness.call(t, ownerBrowser, http.MethodPost, "/api/role-change-requests", map[string]string{
		"role":   "professional",
		"reason": "I started a contracting business",
	})
	if status != http.StatusOK || !requested.Success {
		t.Fatalf("expected role change request, got %d %+v", status, requested)
	}
	var request profiles.RoleChangeRequest
	if err := json.Unmarshal(requested.Data, &request); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}

	status, listed, _ := harness.call(t, adminBrowser, http.MethodGet, "/api/admin/role-change-requests?status=pending", nil)
	if status != http.StatusOK {
		t.Fatalf("expected admin listing, got %d", status)
	}
	var pending []profiles.RoleChangeRequest
	if err := json.Unmarshal(listed.Data, &pending); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != request.ID {
		t.Fatalf("unexpected pending requests %+v", pending)
	}

	status, approved, _ := harness.call(t, adminBrowser, http.MethodPost, "/api/admin/role-change-requests/"+request.ID+"/approve", nil)
	if status != http.StatusOK || !approved.Success {
		t.Fatalf("expected approval, got %d %+v", status, approved)
	}
	status, _, _ = harness.call(t, adminBrowser, http.MethodPost, "/api/admin/role-change-requests/"+request.ID+"/reject", nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for resolved request, got %d", status)
	}
	status, _, _ = harness.call(t, adminBrowser, http.MethodPost, "/api/admin/role-change-requests/missing/approve", nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", status)
	}

	payload, published := harness.publisher.find(events.RoutingKeyRoleChanged)
	if !published {
		t.Fatalf("expected role change event")
	}
	roleChanged, ok := payload.(events.RoleChanged)
	if !ok || roleChanged.PrincipalID != owner.ID || roleChanged.Role != string(profiles.RoleProfessional) || roleChanged.ReviewerID != admin.ID {
		t.Fatalf("unexpected role change event %+v", payload)
	}

	status, _, response := harness.call(t, ownerBrowser, http.MethodGet, "/homeowner", nil)
	if status != http.StatusFound || response.Header.Get("Location") != "/professional" {
		t.Fatalf("expected owner to be moved to /professional, got %d %q", status, response.Header.Get("Location"))
	}

	status, activity, _ := harness.call(t, adminBrowser, http.MethodGet, "/api/admin/login-activity?limit=10", nil)
	if status != http.StatusOK {
		t.Fatalf("expected login activity, got %d", status)
	}
	var logins []profiles.LoginActivity
	if err := json.Unmarshal(activity.Data, &logins); err != nil {
		t.Fatalf("failed to decode activity: %v", err)
	}
	if len(logins) != 2 {
		t.Fatalf("expected two recorded sign-ins, got %d", len(logins))
	}
}

func TestAdminAPIRequiresSession(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	status, _, _ := harness.call(t, newBrowser(t), http.MethodGet, "/api/admin/login-activity", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestSwitchRoleForAnonymousVisitor(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	browser := newBrowser(t)

	status, result, _ := harness.call(t, browser, http.MethodPost, "/preferences/role", map[string]string{"role": "professional"})
	if status != http.StatusOK || result.Redirect != "/professional" {
		t.Fatalf("expected switch to professional, got %d %+v", status, result)
	}
	status, _, _ = harness.call(t, browser, http.MethodPost, "/preferences/role", map[string]string{"role": "admin"})
	if status != http.StatusBadRequest {
		t.Fatalf("expected admin toggle to be rejected, got %d", status)
	}
}

func TestGoogleSignInRequiresHTTPS(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, false)
	status, result, _ := harness.call(t, newBrowser(t), http.MethodPost, "/auth/google", map[string]string{"id_token": "token"})
	if status != http.StatusBadRequest || result.Success {
		t.Fatalf("expected HTTPS requirement, got %d %+v", status, result)
	}
}

func TestOperationalEndpoints(t *testing.T) {
	t.Parallel()
	harness := newGatewayHarness(t, true)
	harness.register(t, "owner@example.com", profiles.RoleHomeowner)
	browser := newBrowser(t)
	harness.login(t, browser, "owner@example.com", "")

	status, _, _ := harness.call(t, browser, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", status)
	}

	response, err := browser.Get(harness.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if !strings.Contains(string(body), `tradehub_auth_events_total{event="auth.signin.password.success"} 2`) {
		t.Fatalf("expected sign-up and sign-in grants in metrics output:\n%s", string(body))
	}

	status, _, _ = harness.call(t, browser, http.MethodGet, "/app/config.js", nil)
	if status != http.StatusOK {
		t.Fatalf("expected config script, got %d", status)
	}
}

func TestNewGatewayRequiresCollaborators(t *testing.T) {
	t.Parallel()
	if _, err := NewGateway(Config{}, Dependencies{}); err != errNilBackend {
		t.Fatalf("expected errNilBackend, got %v", err)
	}
}
