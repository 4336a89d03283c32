// Package web is the HTTP gateway of tradehub: auth endpoints, guarded page
// subtrees, the profile and admin API, and operational endpoints.
package web

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tyemirov/tradehub/internal/authclient"
	"github.com/tyemirov/tradehub/internal/events"
	"github.com/tyemirov/tradehub/internal/profiles"
	"github.com/tyemirov/tradehub/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	scopeContextKey   = "tradehub_scope"
	defaultRefreshTTL = 60 * 24 * time.Hour
)

var (
	errNilBackend  = errors.New("web.nil_backend")
	errNilProfiles = errors.New("web.nil_profiles")
)

var (
	bindingRulesOnce sync.Once
	bindingRulesErr  error
)

// registerBindingRules adds the role rules to gin's shared validator.
func registerBindingRules() error {
	bindingRulesOnce.Do(func() {
		if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
			bindingRulesErr = profiles.RegisterValidations(engine)
		}
	})
	return bindingRulesErr
}

// Config configures the gateway.
type Config struct {
	Cookies           CookieConfig
	Client            ClientConfig
	MinPasswordLength int
}

// Dependencies wires the gateway.
type Dependencies struct {
	Backend   authclient.Backend
	Profiles  *profiles.Store
	Publisher events.Publisher
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
}

// Gateway serves the marketplace HTTP surface. Each request gets its own
// synchronizer over cookie-backed storage.
type Gateway struct {
	config      Config
	backend     authclient.Backend
	profiles    *profiles.Store
	publisher   events.Publisher
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	profileSync *singleflight.Group
	validate    *validator.Validate
}

// NewGateway validates dependencies and registers the role validation rules.
func NewGateway(configuration Config, dependencies Dependencies) (*Gateway, error) {
	if dependencies.Backend == nil {
		return nil, errNilBackend
	}
	if dependencies.Profiles == nil {
		return nil, errNilProfiles
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := dependencies.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	gatherer := dependencies.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if configuration.Cookies.RefreshTTL <= 0 {
		configuration.Cookies.RefreshTTL = defaultRefreshTTL
	}
	if configuration.Cookies.SameSite == 0 {
		configuration.Cookies.SameSite = http.SameSiteStrictMode
	}
	if configuration.Client.MinPasswordLength <= 0 {
		configuration.Client.MinPasswordLength = configuration.MinPasswordLength
	}

	validate := validator.New()
	if err := profiles.RegisterValidations(validate); err != nil {
		return nil, err
	}
	if err := registerBindingRules(); err != nil {
		return nil, err
	}

	return &Gateway{
		config:      configuration,
		backend:     dependencies.Backend,
		profiles:    dependencies.Profiles,
		publisher:   publisher,
		gatherer:    gatherer,
		logger:      logger,
		profileSync: &singleflight.Group{},
		validate:    validate,
	}, nil
}

// Mount registers every route on router.
func (gateway *Gateway) Mount(router gin.IRouter) {
	router.GET("/healthz", gateway.handleHealth)
	router.GET("/metrics", gateway.handleMetrics())
	router.GET("/app/config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, gateway.config.Client)
	})

	auth := router.Group("/auth", gateway.withScope())
	auth.POST("/signup", gateway.handleSignUp)
	auth.POST("/login", gateway.handleLogin)
	auth.POST("/otp", gateway.handleOTP)
	auth.POST("/otp/verify", gateway.handleVerifyOTP)
	auth.POST("/google", gateway.handleGoogle)
	auth.POST("/logout", gateway.handleLogout)
	auth.GET("/session", gateway.handleSession)
	auth.GET("/email-exists", gateway.handleEmailExists)

	router.POST("/preferences/role", gateway.withScope(), gateway.handleSwitchRole)

	api := router.Group("/api", gateway.withScope(), gateway.requireSignedIn())
	api.PATCH("/profile", gateway.handleUpdateProfile)
	api.POST("/role-change-requests", gateway.handleRequestRoleChange)

	admin := router.Group("/api/admin", gateway.withScope(), gateway.requireAPIRole(profiles.RoleAdmin))
	admin.GET("/role-change-requests", gateway.handleListRoleChangeRequests)
	admin.POST("/role-change-requests/:id/approve", gateway.handleResolveRoleChangeRequest(true))
	admin.POST("/role-change-requests/:id/reject", gateway.handleResolveRoleChangeRequest(false))
	admin.GET("/login-activity", gateway.handleLoginActivity)

	for _, role := range profiles.Roles {
		pages := router.Group(role.Root(), gateway.withScope(), gateway.requirePageRole(role))
		pages.GET("", gateway.handlePage(role))
		pages.GET("/*page", gateway.handlePage(role))
	}
}

// requestScope is the per-request session state.
type requestScope struct {
	storage      *cookieStorage
	navigator    *session.RecordingNavigator
	synchronizer *session.Synchronizer
	initialized  bool
}

func (gateway *Gateway) withScope() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, exists := contextGin.Get(scopeContextKey); exists {
			contextGin.Next()
			return
		}
		storage := newCookieStorage(contextGin.Request, gateway.config.Cookies)
		client, err := authclient.New(gateway.backend, storage, gateway.logger)
		if err != nil {
			gateway.abortInternal(contextGin, "web.scope.client", err)
			return
		}
		navigator := &session.RecordingNavigator{}
		synchronizer, err := session.NewSynchronizer(session.Options{
			Client:            client,
			Profiles:          gateway.profiles,
			Navigator:         navigator,
			Logger:            gateway.logger,
			ProfileSync:       gateway.profileSync,
			Validate:          gateway.validate,
			MinPasswordLength: gateway.config.MinPasswordLength,
		})
		if err != nil {
			gateway.abortInternal(contextGin, "web.scope.synchronizer", err)
			return
		}
		defer synchronizer.Close()
		scope := &requestScope{storage: storage, navigator: navigator, synchronizer: synchronizer}
		contextGin.Set(scopeContextKey, scope)
		contextGin.Next()
	}
}

func scopeFrom(contextGin *gin.Context) *requestScope {
	value, _ := contextGin.Get(scopeContextKey)
	scope, _ := value.(*requestScope)
	return scope
}

// initialize loads the stored session once per request.
func (scope *requestScope) initialize(contextGin *gin.Context) session.State {
	if !scope.initialized {
		scope.initialized = true
		return scope.synchronizer.Initialize(contextGin.Request.Context())
	}
	return scope.synchronizer.State()
}

// respond writes pending cookies before the JSON body.
func (gateway *Gateway) respond(contextGin *gin.Context, status int, payload any) {
	if scope := scopeFrom(contextGin); scope != nil {
		scope.storage.flush(contextGin.Writer)
	}
	contextGin.JSON(status, payload)
}

func (gateway *Gateway) respondResult(contextGin *gin.Context, result session.Result, failureStatus int) {
	if result.Success {
		gateway.respond(contextGin, http.StatusOK, result)
		return
	}
	gateway.respond(contextGin, failureStatus, result)
}

func (gateway *Gateway) redirect(contextGin *gin.Context, location string) {
	if scope := scopeFrom(contextGin); scope != nil {
		scope.storage.flush(contextGin.Writer)
	}
	contextGin.Redirect(http.StatusFound, location)
	contextGin.Abort()
}

func (gateway *Gateway) abortInternal(contextGin *gin.Context, code string, err error) {
	gateway.logger.Error("request failed", zap.String("code", code), zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, session.Result{Success: false, Message: fmt.Sprintf("internal error (%s)", code)})
}
