package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/events"
	"github.com/tyemirov/tradehub/internal/profiles"
	"github.com/tyemirov/tradehub/internal/session"
	"go.uber.org/zap"
)

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect"`
}

type otpPayload struct {
	Email string `json:"email"`
	Role  string `json:"role" binding:"omitempty,signup_role"`
}

type verifyOTPPayload struct {
	Email string `json:"email"`
	Code  string `json:"code" binding:"required"`
}

type googlePayload struct {
	IDToken string `json:"id_token" binding:"required"`
	Role    string `json:"role" binding:"omitempty,signup_role"`
}

type switchRolePayload struct {
	Role string `json:"role" binding:"required,signup_role"`
}

type roleChangePayload struct {
	Role   string `json:"role" binding:"required,marketplace_role"`
	Reason string `json:"reason" binding:"max=500"`
}

// page is the descriptor rendered for an allowed page request.
type page struct {
	Role    profiles.Role     `json:"role"`
	Path    string            `json:"path"`
	User    any               `json:"user,omitempty"`
	Profile *profiles.Profile `json:"profile,omitempty"`
}

func (gateway *Gateway) handleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (gateway *Gateway) handleMetrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gateway.gatherer, promhttp.HandlerOpts{}))
}

func (gateway *Gateway) badPayload(contextGin *gin.Context, message string) {
	gateway.respond(contextGin, http.StatusBadRequest, session.Result{Success: false, Message: message})
}

func (gateway *Gateway) handleSignUp(contextGin *gin.Context) {
	var input session.SignUpInput
	if err := contextGin.ShouldBindJSON(&input); err != nil {
		gateway.badPayload(contextGin, "Check the sign-up form.")
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.SignUp(contextGin.Request.Context(), input)
	gateway.respondResult(contextGin, result, http.StatusBadRequest)
}

func (gateway *Gateway) handleLogin(contextGin *gin.Context) {
	var payload loginPayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, "Enter your email and password.")
		return
	}
	scope := scopeFrom(contextGin)
	if strings.TrimSpace(payload.Redirect) != "" {
		scope.synchronizer.Preferences().SetReturnPath(payload.Redirect)
	}
	result := scope.synchronizer.SignIn(contextGin.Request.Context(), payload.Email, payload.Password)
	gateway.respondResult(contextGin, result, http.StatusUnauthorized)
}

func (gateway *Gateway) handleOTP(contextGin *gin.Context) {
	var payload otpPayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, session.Message(profiles.ErrUnknownRole))
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.LoginWithOTP(contextGin.Request.Context(), payload.Email, payload.Role)
	gateway.respondResult(contextGin, result, http.StatusBadRequest)
}

func (gateway *Gateway) handleVerifyOTP(contextGin *gin.Context) {
	var payload verifyOTPPayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, "Enter the code from your email.")
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.VerifyOTP(contextGin.Request.Context(), payload.Email, payload.Code)
	gateway.respondResult(contextGin, result, http.StatusUnauthorized)
}

func (gateway *Gateway) handleGoogle(contextGin *gin.Context) {
	if !gateway.config.Cookies.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		gateway.respond(contextGin, http.StatusBadRequest, session.Result{Success: false, Message: "Google sign-in requires HTTPS."})
		return
	}
	var payload googlePayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, session.Message(authkit.ErrInvalidIDToken))
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.SignInWithGoogle(contextGin.Request.Context(), payload.IDToken, payload.Role)
	gateway.respondResult(contextGin, result, http.StatusUnauthorized)
}

func (gateway *Gateway) handleLogout(contextGin *gin.Context) {
	scope := scopeFrom(contextGin)
	signOutScope := authkit.SignOutLocal
	if strings.EqualFold(contextGin.Query("scope"), string(authkit.SignOutGlobal)) {
		signOutScope = authkit.SignOutGlobal
	}
	result := scope.synchronizer.SignOut(contextGin.Request.Context(), signOutScope)
	gateway.respond(contextGin, http.StatusOK, result)
}

func (gateway *Gateway) handleSession(contextGin *gin.Context) {
	state := scopeFrom(contextGin).initialize(contextGin)
	gateway.respond(contextGin, http.StatusOK, state)
}

func (gateway *Gateway) handleEmailExists(contextGin *gin.Context) {
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.EmailExists(contextGin.Request.Context(), contextGin.Query("email"))
	gateway.respondResult(contextGin, result, http.StatusBadRequest)
}

func (gateway *Gateway) handleSwitchRole(contextGin *gin.Context) {
	var payload switchRolePayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, session.Message(profiles.ErrUnknownRole))
		return
	}
	scope := scopeFrom(contextGin)
	scope.initialize(contextGin)
	result := scope.synchronizer.SwitchRole(payload.Role)
	gateway.respondResult(contextGin, result, http.StatusConflict)
}

func (gateway *Gateway) handleUpdateProfile(contextGin *gin.Context) {
	var update profiles.ProfileUpdate
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		gateway.badPayload(contextGin, "Check the highlighted fields.")
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.UpdateProfile(contextGin.Request.Context(), update)
	gateway.respondResult(contextGin, result, http.StatusBadRequest)
}

func (gateway *Gateway) handleRequestRoleChange(contextGin *gin.Context) {
	var payload roleChangePayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		gateway.badPayload(contextGin, session.Message(profiles.ErrUnknownRole))
		return
	}
	scope := scopeFrom(contextGin)
	result := scope.synchronizer.RequestRoleChange(contextGin.Request.Context(), payload.Role, payload.Reason)
	gateway.respondResult(contextGin, result, http.StatusConflict)
}

func (gateway *Gateway) handleListRoleChangeRequests(contextGin *gin.Context) {
	status := profiles.RequestStatus(strings.ToLower(strings.TrimSpace(contextGin.Query("status"))))
	switch status {
	case "", profiles.RequestPending, profiles.RequestApproved, profiles.RequestRejected:
	default:
		gateway.badPayload(contextGin, "Unknown request status.")
		return
	}
	requests, err := gateway.profiles.ListRoleChangeRequests(contextGin.Request.Context(), status)
	if err != nil {
		gateway.abortInternal(contextGin, "web.admin.list_requests", err)
		return
	}
	gateway.respond(contextGin, http.StatusOK, session.Result{Success: true, Message: "Role change requests.", Data: requests})
}

func (gateway *Gateway) handleResolveRoleChangeRequest(approve bool) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		reviewer := scopeFrom(contextGin).synchronizer.State()
		request, err := gateway.profiles.ResolveRoleChangeRequest(contextGin.Request.Context(), contextGin.Param("id"), reviewer.Profile.ID, approve)
		switch {
		case errors.Is(err, profiles.ErrRequestNotFound):
			gateway.respond(contextGin, http.StatusNotFound, session.Result{Success: false, Message: "Role change request not found."})
			return
		case errors.Is(err, profiles.ErrRequestResolved):
			gateway.respond(contextGin, http.StatusConflict, session.Result{Success: false, Message: "Role change request was already resolved."})
			return
		case err != nil:
			gateway.abortInternal(contextGin, "web.admin.resolve_request", err)
			return
		}
		message := "Role change request rejected."
		if approve {
			message = "Role change request approved."
			roleChanged := events.RoleChanged{
				PrincipalID:  request.PrincipalID,
				PreviousRole: string(request.CurrentRole),
				Role:         string(request.RequestedRole),
				ReviewerID:   request.ReviewerID,
			}
			if publishErr := gateway.publisher.Publish(contextGin.Request.Context(), events.RoutingKeyRoleChanged, roleChanged); publishErr != nil {
				gateway.logger.Warn("role change event not published", zap.String("code", "web.admin.publish"), zap.Error(publishErr))
			}
		}
		gateway.respond(contextGin, http.StatusOK, session.Result{Success: true, Message: message, Data: request})
	}
}

func (gateway *Gateway) handleLoginActivity(contextGin *gin.Context) {
	limit := 0
	if rawLimit := contextGin.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed < 0 {
			gateway.badPayload(contextGin, "Limit must be a positive number.")
			return
		}
		limit = parsed
	}
	activity, err := gateway.profiles.RecentLogins(contextGin.Request.Context(), contextGin.Query("principal_id"), limit)
	if err != nil {
		gateway.abortInternal(contextGin, "web.admin.login_activity", err)
		return
	}
	gateway.respond(contextGin, http.StatusOK, session.Result{Success: true, Message: "Recent sign-ins.", Data: activity})
}

func (gateway *Gateway) handlePage(role profiles.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		state := scopeFrom(contextGin).synchronizer.State()
		descriptor := page{Role: role, Path: contextGin.Request.URL.Path, Profile: state.Profile}
		if state.User != nil {
			descriptor.User = state.User
		}
		gateway.respond(contextGin, http.StatusOK, descriptor)
	}
}
