package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tyemirov/tradehub/internal/authclient"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/profiles"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProfileStore is the part of the profile table the synchronizer uses.
type ProfileStore interface {
	Get(ctx context.Context, principalID string) (profiles.Profile, error)
	EnsureDefault(ctx context.Context, profile profiles.Profile) (profiles.Profile, bool, error)
	Update(ctx context.Context, principalID string, update profiles.ProfileUpdate) (profiles.Profile, error)
	MarkConfirmed(ctx context.Context, principalID string) error
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	RecordLogin(ctx context.Context, activity profiles.LoginActivity) error
	CreateRoleChangeRequest(ctx context.Context, principalID string, requested profiles.Role, reason string) (profiles.RoleChangeRequest, error)
}

// Options wires a Synchronizer.
type Options struct {
	Client    *authclient.Client
	Profiles  ProfileStore
	Navigator Navigator
	Logger    *zap.Logger
	// ProfileSync deduplicates profile fetch-or-create per principal; share it across
	// synchronizers of one process.
	ProfileSync       *singleflight.Group
	Validate          *validator.Validate
	MinPasswordLength int
}

var (
	errNilClient   = errors.New("session.nil_client")
	errNilProfiles = errors.New("session.nil_profiles")
)

const defaultMinPasswordLength = 6

// SignUpInput is the sign-up form.
type SignUpInput struct {
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirm_password" validate:"omitempty,eqfield=Password"`
	Role            string `json:"role" validate:"required,signup_role"`
	FirstName       string `json:"first_name" validate:"max=100"`
	LastName        string `json:"last_name" validate:"max=100"`
	Phone           string `json:"phone" validate:"max=32"`
	BusinessName    string `json:"business_name" validate:"max=200"`
}

// Synchronizer is the session service of one client.
type Synchronizer struct {
	client            *authclient.Client
	profiles          ProfileStore
	preferences       *Preferences
	navigator         Navigator
	logger            *zap.Logger
	profileSync       *singleflight.Group
	validate          *validator.Validate
	minPasswordLength int
	subscription      *authclient.Subscription

	mutex sync.RWMutex
	state State
}

// NewSynchronizer subscribes a new synchronizer to the client's auth state changes.
func NewSynchronizer(options Options) (*Synchronizer, error) {
	if options.Client == nil {
		return nil, errNilClient
	}
	if options.Profiles == nil {
		return nil, errNilProfiles
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	navigator := options.Navigator
	if navigator == nil {
		navigator = &RecordingNavigator{}
	}
	profileSync := options.ProfileSync
	if profileSync == nil {
		profileSync = &singleflight.Group{}
	}
	validate := options.Validate
	if validate == nil {
		validate = validator.New()
		if err := profiles.RegisterValidations(validate); err != nil {
			return nil, fmt.Errorf("session.new: %w", err)
		}
	}
	minPasswordLength := options.MinPasswordLength
	if minPasswordLength <= 0 {
		minPasswordLength = defaultMinPasswordLength
	}
	synchronizer := &Synchronizer{
		client:            options.Client,
		profiles:          options.Profiles,
		preferences:       NewPreferences(options.Client.Storage()),
		navigator:         navigator,
		logger:            logger,
		profileSync:       profileSync,
		validate:          validate,
		minPasswordLength: minPasswordLength,
		state:             State{Status: StatusLoading},
	}
	synchronizer.subscription = options.Client.OnAuthStateChange(synchronizer.HandleAuthEvent)
	return synchronizer, nil
}

// Close detaches the synchronizer from the client.
func (synchronizer *Synchronizer) Close() {
	synchronizer.subscription.Unsubscribe()
}

// Preferences exposes the client-side preferences.
func (synchronizer *Synchronizer) Preferences() *Preferences {
	return synchronizer.preferences
}

// State returns a snapshot of the current state.
func (synchronizer *Synchronizer) State() State {
	synchronizer.mutex.RLock()
	defer synchronizer.mutex.RUnlock()
	return synchronizer.state.clone()
}

// Initialize loads the stored session and its profile, creating the profile from
// sign-up metadata when it is missing.
func (synchronizer *Synchronizer) Initialize(ctx context.Context) State {
	synchronizer.setState(State{Status: StatusLoading})
	session, err := synchronizer.client.GetSession(ctx)
	if err != nil {
		synchronizer.logger.Warn("session lookup failed", zap.String("code", "session.initialize.get_session"), zap.Error(err))
		synchronizer.setState(State{Status: StatusUnauthenticated, Error: Message(err)})
		return synchronizer.State()
	}
	if session == nil {
		synchronizer.setState(State{Status: StatusUnauthenticated})
		return synchronizer.State()
	}
	synchronizer.adoptSession(ctx, session)
	return synchronizer.State()
}

// HandleAuthEvent reacts to auth state changes reported by the client.
func (synchronizer *Synchronizer) HandleAuthEvent(ctx context.Context, event authclient.Event) {
	switch event.Type {
	case authclient.EventSignedIn:
		if event.Session == nil {
			return
		}
		if synchronizer.adoptSession(ctx, event.Session) {
			synchronizer.recordLogin(ctx, event.Session)
		}
	case authclient.EventSignedOut:
		synchronizer.setState(State{Status: StatusUnauthenticated})
		synchronizer.preferences.Clear()
		synchronizer.navigator.Navigate("/")
	case authclient.EventTokenRefreshed:
		if event.Session == nil {
			return
		}
		synchronizer.mutex.Lock()
		refreshed := *event.Session
		synchronizer.state.Session = &refreshed
		synchronizer.mutex.Unlock()
	}
}

// SignIn performs a password sign-in and navigates to the post sign-in route.
func (synchronizer *Synchronizer) SignIn(ctx context.Context, email string, password string) Result {
	if err := synchronizer.validate.Var(email, "required,email"); err != nil {
		return failure(Message(authkit.ErrInvalidEmail))
	}
	if strings.TrimSpace(password) == "" {
		return failure("Enter your password.")
	}
	if _, err := synchronizer.client.SignInWithPassword(ctx, email, password); err != nil {
		return synchronizer.providerFailure("session.sign_in", err)
	}
	return synchronizer.completeSignIn("Signed in.")
}

// SignUp registers a principal with the chosen role and profile fields.
func (synchronizer *Synchronizer) SignUp(ctx context.Context, input SignUpInput) Result {
	if result, ok := synchronizer.validateSignUp(input); !ok {
		return result
	}
	role := profiles.SignupRole(input.Role)
	metadata := map[string]any{authkit.MetadataUserType: string(role)}
	for key, value := range map[string]string{
		authkit.MetadataFirstName:    input.FirstName,
		authkit.MetadataLastName:     input.LastName,
		authkit.MetadataPhone:        input.Phone,
		authkit.MetadataBusinessName: input.BusinessName,
	} {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			metadata[key] = trimmed
		}
	}

	signUp, err := synchronizer.client.SignUp(ctx, input.Email, input.Password, metadata)
	if err != nil {
		return synchronizer.providerFailure("session.sign_up", err)
	}
	synchronizer.preferences.SetLastRole(role)
	if signUp.Session != nil {
		return synchronizer.completeSignIn("Account created.")
	}

	if _, err := synchronizer.ensureProfile(ctx, signUp.Principal); err != nil {
		synchronizer.logger.Warn("profile creation after sign up failed",
			zap.String("code", "session.sign_up.profile"),
			zap.String("principal_id", signUp.Principal.ID),
			zap.Error(err))
	}
	synchronizer.preferences.SetPendingEmail(signUp.Principal.Email)
	return Result{
		Success: true,
		Message: "Check your email for a confirmation code.",
		Data:    map[string]any{"email": signUp.Principal.Email, "confirmation_required": true},
	}
}

// LoginWithOTP sends a one-time code, registering the email with role when it is new.
func (synchronizer *Synchronizer) LoginWithOTP(ctx context.Context, email string, role string) Result {
	if err := synchronizer.validate.Var(email, "required,email"); err != nil {
		return failure(Message(authkit.ErrInvalidEmail))
	}
	options := authkit.OTPOptions{CreateUser: true, Metadata: map[string]any{}}
	if strings.TrimSpace(role) != "" {
		if err := synchronizer.validate.Var(role, profiles.TagSignupRole); err != nil {
			return failure(Message(profiles.ErrUnknownRole))
		}
		signupRole := profiles.SignupRole(role)
		options.Metadata[authkit.MetadataUserType] = string(signupRole)
		synchronizer.preferences.SetLastRole(signupRole)
	}
	if err := synchronizer.client.SignInWithOTP(ctx, email, options); err != nil {
		return synchronizer.providerFailure("session.login_with_otp", err)
	}
	synchronizer.preferences.SetPendingEmail(email)
	return Result{Success: true, Message: "Check your email for a sign-in code.", Data: map[string]any{"email": strings.ToLower(strings.TrimSpace(email))}}
}

// VerifyOTP completes a passwordless sign-in or a sign-up confirmation. An empty email
// falls back to the pending one.
func (synchronizer *Synchronizer) VerifyOTP(ctx context.Context, email string, code string) Result {
	if strings.TrimSpace(email) == "" {
		email = synchronizer.preferences.PendingEmail()
	}
	if err := synchronizer.validate.Var(email, "required,email"); err != nil {
		return failure(Message(authkit.ErrInvalidEmail))
	}
	if err := synchronizer.validate.Var(strings.TrimSpace(code), "required,numeric"); err != nil {
		return failure(Message(authkit.ErrOTPMismatch))
	}
	if _, err := synchronizer.client.VerifyOTP(ctx, email, code); err != nil {
		return synchronizer.providerFailure("session.verify_otp", err)
	}
	synchronizer.preferences.ClearPendingEmail()
	return synchronizer.completeSignIn("Signed in.")
}

// SignInWithGoogle exchanges a Google ID token; role applies to new principals only.
func (synchronizer *Synchronizer) SignInWithGoogle(ctx context.Context, idToken string, role string) Result {
	if strings.TrimSpace(idToken) == "" {
		return failure(Message(authkit.ErrInvalidIDToken))
	}
	metadata := map[string]any{}
	if strings.TrimSpace(role) != "" {
		if err := synchronizer.validate.Var(role, profiles.TagSignupRole); err != nil {
			return failure(Message(profiles.ErrUnknownRole))
		}
		metadata[authkit.MetadataUserType] = string(profiles.SignupRole(role))
	}
	if _, err := synchronizer.client.SignInWithIDToken(ctx, idToken, metadata); err != nil {
		return synchronizer.providerFailure("session.sign_in_with_google", err)
	}
	return synchronizer.completeSignIn("Signed in with Google.")
}

// SignOut ends the session. Local state is cleared even when the backend call fails.
func (synchronizer *Synchronizer) SignOut(ctx context.Context, scope authkit.SignOutScope) Result {
	if scope != authkit.SignOutGlobal {
		scope = authkit.SignOutLocal
	}
	if err := synchronizer.client.SignOut(ctx, scope); err != nil {
		synchronizer.logger.Warn("backend sign out failed",
			zap.String("code", "session.sign_out"),
			zap.String("scope", string(scope)),
			zap.Error(err))
		return Result{Success: false, Message: "Signed out on this device, but the server could not end the session.", Redirect: "/"}
	}
	return Result{Success: true, Message: "Signed out.", Redirect: "/"}
}

// UpdateProfile persists profile fields. The role is never changed here.
func (synchronizer *Synchronizer) UpdateProfile(ctx context.Context, update profiles.ProfileUpdate) Result {
	state := synchronizer.State()
	if state.Status != StatusAuthenticated || state.Profile == nil {
		return failure(Message(ErrNoUser))
	}
	if err := synchronizer.validate.Struct(update); err != nil {
		return failure("Check the highlighted fields.")
	}
	changesRole := update.ChangesRole(state.Profile.UserType)
	if changesRole && len(update.Columns()) == 0 {
		return failure("Your role cannot be changed here. Submit a role change request instead.")
	}
	profile, err := synchronizer.profiles.Update(ctx, state.Profile.ID, update)
	if err != nil {
		return synchronizer.providerFailure("session.update_profile", err)
	}
	synchronizer.mutex.Lock()
	synchronizer.state.Profile = &profile
	synchronizer.mutex.Unlock()

	message := "Profile updated."
	if changesRole {
		message = "Profile updated. Your role was not changed."
	}
	return Result{Success: true, Message: message, Data: profile}
}

// EmailExists reports whether a profile already uses email.
func (synchronizer *Synchronizer) EmailExists(ctx context.Context, email string) Result {
	if err := synchronizer.validate.Var(email, "required,email"); err != nil {
		return failure(Message(authkit.ErrInvalidEmail))
	}
	exists, err := synchronizer.profiles.ExistsByEmail(ctx, email)
	if err != nil {
		return synchronizer.providerFailure("session.email_exists", err)
	}
	message := "Email is available."
	if exists {
		message = "An account with this email already exists."
	}
	return Result{Success: true, Message: message, Data: map[string]bool{"exists": exists}}
}

// RequestRoleChange files a role change request for administrator review.
func (synchronizer *Synchronizer) RequestRoleChange(ctx context.Context, role string, reason string) Result {
	state := synchronizer.State()
	if state.Status != StatusAuthenticated || state.Profile == nil {
		return failure(Message(ErrNoUser))
	}
	requested, err := profiles.ParseRole(role)
	if err != nil {
		return failure(Message(err))
	}
	request, err := synchronizer.profiles.CreateRoleChangeRequest(ctx, state.Profile.ID, requested, reason)
	if err != nil {
		return synchronizer.providerFailure("session.request_role_change", err)
	}
	return Result{Success: true, Message: "Role change requested. An administrator will review it.", Data: request}
}

// SwitchRole is the role toggle. Signed-in principals cannot leave their own role.
func (synchronizer *Synchronizer) SwitchRole(role string) Result {
	requested, err := profiles.ParseRole(role)
	if err != nil {
		return failure(Message(err))
	}
	destination, switched := synchronizer.preferences.SwitchRole(requested, synchronizer.State().Role())
	synchronizer.navigator.Navigate(destination)
	if !switched {
		return Result{Success: false, Message: "Your account role is managed by your profile.", Redirect: destination}
	}
	return Result{Success: true, Message: "Role switched.", Redirect: destination}
}

func (synchronizer *Synchronizer) validateSignUp(input SignUpInput) (Result, bool) {
	if err := synchronizer.validate.Struct(input); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			switch validationErrors[0].Field() {
			case "Email":
				return failure(Message(authkit.ErrInvalidEmail)), false
			case "Password":
				return failure("Enter a password."), false
			case "ConfirmPassword":
				return failure("Passwords do not match."), false
			case "Role":
				return failure(Message(profiles.ErrUnknownRole)), false
			}
		}
		return failure("Check the highlighted fields."), false
	}
	if len(input.Password) < synchronizer.minPasswordLength {
		return failure(fmt.Sprintf("Password must be at least %d characters.", synchronizer.minPasswordLength)), false
	}
	return Result{}, true
}

// adoptSession syncs the profile of session and stores both; it reports success.
func (synchronizer *Synchronizer) adoptSession(ctx context.Context, session *authkit.Session) bool {
	profile, err := synchronizer.ensureProfile(ctx, session.Principal)
	if err != nil {
		synchronizer.logger.Error("profile sync failed",
			zap.String("code", "session.profile_sync"),
			zap.String("principal_id", session.Principal.ID),
			zap.Error(err))
		held := *session
		synchronizer.setState(State{Status: StatusUnauthenticated, Session: &held, Error: Message(err)})
		return false
	}
	held := *session
	synchronizer.setState(State{Status: StatusAuthenticated, Session: &held, Profile: &profile})
	return true
}

// ensureProfile fetches the profile of principal, creating the default one when missing.
// The last-role preference is rewritten from the result.
func (synchronizer *Synchronizer) ensureProfile(ctx context.Context, principal authkit.Principal) (profiles.Profile, error) {
	value, err, _ := synchronizer.profileSync.Do(principal.ID, func() (any, error) {
		profile, err := synchronizer.profiles.Get(ctx, principal.ID)
		if errors.Is(err, profiles.ErrProfileNotFound) {
			var created bool
			profile, created, err = synchronizer.profiles.EnsureDefault(ctx, profiles.DefaultProfile(principal))
			if err == nil && created {
				synchronizer.logger.Info("profile created",
					zap.String("code", "session.profile_created"),
					zap.String("principal_id", principal.ID),
					zap.String("user_type", string(profile.UserType)))
			}
		}
		if err != nil {
			return profiles.Profile{}, err
		}
		if !profile.Confirmed && principal.Confirmed() {
			if err := synchronizer.profiles.MarkConfirmed(ctx, principal.ID); err != nil {
				return profiles.Profile{}, err
			}
			profile.Confirmed = true
		}
		return profile, nil
	})
	if err != nil {
		return profiles.Profile{}, fmt.Errorf("session.ensure_profile: %w", err)
	}
	profile := value.(profiles.Profile)
	synchronizer.preferences.SetLastRole(profile.UserType)
	return profile, nil
}

func (synchronizer *Synchronizer) recordLogin(ctx context.Context, session *authkit.Session) {
	activity := profiles.LoginActivity{
		PrincipalID: session.Principal.ID,
		Email:       session.Principal.Email,
		Method:      string(session.Method),
	}
	if err := synchronizer.profiles.RecordLogin(ctx, activity); err != nil {
		synchronizer.logger.Warn("login activity not recorded",
			zap.String("code", "session.record_login"),
			zap.String("principal_id", session.Principal.ID),
			zap.Error(err))
	}
}

// completeSignIn reads the state produced by the SIGNED_IN handler and navigates.
func (synchronizer *Synchronizer) completeSignIn(message string) Result {
	state := synchronizer.State()
	if state.Status != StatusAuthenticated || state.Profile == nil {
		errorMessage := state.Error
		if errorMessage == "" {
			errorMessage = messageUnexpected
		}
		return failure(errorMessage)
	}
	destination := synchronizer.postSignInPath(state.Profile.UserType)
	synchronizer.navigator.Navigate(destination)
	return Result{Success: true, Message: message, Data: state.Profile, Redirect: destination}
}

func (synchronizer *Synchronizer) postSignInPath(role profiles.Role) string {
	returnPath := synchronizer.preferences.TakeReturnPath()
	if returnPath != "" && role.Owns(pathOnly(returnPath)) {
		return returnPath
	}
	return role.Dashboard()
}

func (synchronizer *Synchronizer) providerFailure(code string, err error) Result {
	message := Message(err)
	if message == messageUnexpected {
		synchronizer.logger.Error("operation failed", zap.String("code", code), zap.Error(err))
	} else {
		synchronizer.logger.Info("operation rejected", zap.String("code", code), zap.Error(err))
	}
	return failure(message)
}

func (synchronizer *Synchronizer) setState(state State) {
	synchronizer.mutex.Lock()
	defer synchronizer.mutex.Unlock()
	synchronizer.state = state
}

func pathOnly(path string) string {
	if index := strings.IndexAny(path, "?#"); index >= 0 {
		return path[:index]
	}
	return path
}
