package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tyemirov/tradehub/internal/events"
	"github.com/tyemirov/tradehub/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	defaultIssuer     = "tradehub"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 60 * 24 * time.Hour
)

// Dependencies wires the collaborators of a Backend.
type Dependencies struct {
	Users         UserStore
	RefreshTokens RefreshTokenStore
	OTPs          OTPStore
	Sender        CodeSender
	Google        GoogleTokenValidator
	Publisher     events.Publisher
	Metrics       MetricsRecorder
	Logger        *zap.Logger
	Now           func() time.Time
}

// Backend is the hosted auth service: it owns principals and issues sessions.
type Backend struct {
	config        Config
	users         UserStore
	refreshTokens RefreshTokenStore
	otps          OTPStore
	sender        CodeSender
	google        GoogleTokenValidator
	publisher     events.Publisher
	metrics       MetricsRecorder
	logger        *zap.Logger
	now           func() time.Time
	validate      *validator.Validate
	accessTokens  *sessionvalidator.Validator
}

type clockFunc func() time.Time

func (clock clockFunc) Now() time.Time { return clock() }

// NewBackend validates configuration and fills in defaults for optional collaborators.
func NewBackend(configuration Config, dependencies Dependencies) (*Backend, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, errMissingSigningKey
	}
	if dependencies.Users == nil {
		return nil, errMissingUserStore
	}
	if dependencies.RefreshTokens == nil {
		return nil, errMissingRefreshStore
	}
	if dependencies.OTPs == nil {
		return nil, errMissingOTPStore
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		configuration.Issuer = defaultIssuer
	}
	if configuration.AccessTTL <= 0 {
		configuration.AccessTTL = defaultAccessTTL
	}
	if configuration.RefreshTTL <= 0 {
		configuration.RefreshTTL = defaultRefreshTTL
	}
	if configuration.MinPasswordLength <= 0 {
		configuration.MinPasswordLength = defaultMinPasswordLength
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sender := dependencies.Sender
	if sender == nil {
		sender = NewLogCodeSender(logger)
	}
	publisher := dependencies.Publisher
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	now := dependencies.Now
	if now == nil {
		now = time.Now
	}

	accessTokens, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.SigningKey,
		Issuer:     configuration.Issuer,
		Clock:      clockFunc(func() time.Time { return now().UTC() }),
	})
	if err != nil {
		return nil, fmt.Errorf("auth.backend.new: %w", err)
	}

	return &Backend{
		config:        configuration,
		users:         dependencies.Users,
		refreshTokens: dependencies.RefreshTokens,
		otps:          dependencies.OTPs,
		sender:        sender,
		google:        dependencies.Google,
		publisher:     publisher,
		metrics:       metrics,
		logger:        logger,
		now:           now,
		validate:      validator.New(),
		accessTokens:  accessTokens,
	}, nil
}

// SignUp registers a password principal. With AutoConfirm the first session is returned;
// otherwise a confirmation code is sent and the session stays nil.
func (backend *Backend) SignUp(ctx context.Context, email string, password string, metadata map[string]any) (SignUpResult, error) {
	normalizedEmail := normalizeEmail(email)
	if err := backend.validateEmail(normalizedEmail); err != nil {
		return SignUpResult{}, err
	}
	if len(password) < backend.config.MinPasswordLength {
		return SignUpResult{}, fmt.Errorf("auth.signup: %w", ErrWeakPassword)
	}
	if _, lookupErr := backend.users.UserByEmail(ctx, normalizedEmail); lookupErr == nil {
		return SignUpResult{}, fmt.Errorf("auth.signup: %w", ErrEmailTaken)
	} else if !errors.Is(lookupErr, ErrUserNotFound) {
		return SignUpResult{}, fmt.Errorf("auth.signup: %w", lookupErr)
	}

	passwordHash, hashErr := hashPassword(password)
	if hashErr != nil {
		return SignUpResult{}, hashErr
	}
	now := backend.now().UTC()
	record := UserRecord{
		ID:           uuid.NewString(),
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Metadata:     cloneMetadata(metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if backend.config.AutoConfirm {
		record.EmailConfirmedAt = &now
	}
	if err := backend.users.CreateUser(ctx, record); err != nil {
		return SignUpResult{}, fmt.Errorf("auth.signup: %w", err)
	}
	backend.metrics.Increment(MetricSignUp)
	backend.publishRegistered(ctx, record)

	result := SignUpResult{Principal: record.Principal()}
	if backend.config.AutoConfirm {
		session, sessionErr := backend.startSession(ctx, record, AuthMethodPassword)
		if sessionErr != nil {
			return result, sessionErr
		}
		result.Session = &session
		return result, nil
	}
	if err := backend.sendCode(ctx, normalizedEmail, OTPPurposeSignUp); err != nil {
		return result, err
	}
	return result, nil
}

// SignInWithPassword performs the password grant.
func (backend *Backend) SignInWithPassword(ctx context.Context, email string, password string) (Session, error) {
	record, err := backend.users.UserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		backend.metrics.Increment(MetricPasswordFailure)
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, fmt.Errorf("auth.signin.password: %w", ErrInvalidCredentials)
		}
		return Session{}, fmt.Errorf("auth.signin.password: %w", err)
	}
	if !checkPassword(record.PasswordHash, password) {
		backend.metrics.Increment(MetricPasswordFailure)
		return Session{}, fmt.Errorf("auth.signin.password: %w", ErrInvalidCredentials)
	}
	if record.EmailConfirmedAt == nil {
		backend.metrics.Increment(MetricPasswordFailure)
		return Session{}, fmt.Errorf("auth.signin.password: %w", ErrEmailNotConfirmed)
	}
	return backend.startSession(ctx, record, AuthMethodPassword)
}

// SendOTP issues a one-time code for passwordless sign-in, creating the principal when allowed.
func (backend *Backend) SendOTP(ctx context.Context, email string, options OTPOptions) error {
	normalizedEmail := normalizeEmail(email)
	if err := backend.validateEmail(normalizedEmail); err != nil {
		return err
	}
	purpose := OTPPurposeLogin
	record, err := backend.users.UserByEmail(ctx, normalizedEmail)
	switch {
	case errors.Is(err, ErrUserNotFound):
		if !options.CreateUser {
			return fmt.Errorf("auth.otp: %w", ErrSignupDisabled)
		}
		now := backend.now().UTC()
		record = UserRecord{
			ID:        uuid.NewString(),
			Email:     normalizedEmail,
			Metadata:  cloneMetadata(options.Metadata),
			CreatedAt: now,
			UpdatedAt: now,
		}
		createErr := backend.users.CreateUser(ctx, record)
		if createErr != nil && !errors.Is(createErr, ErrEmailTaken) {
			return fmt.Errorf("auth.otp: %w", createErr)
		}
		if createErr == nil {
			backend.metrics.Increment(MetricSignUp)
			backend.publishRegistered(ctx, record)
		}
		purpose = OTPPurposeSignUp
	case err != nil:
		return fmt.Errorf("auth.otp: %w", err)
	case record.EmailConfirmedAt == nil:
		purpose = OTPPurposeSignUp
	}
	return backend.sendCode(ctx, normalizedEmail, purpose)
}

// VerifyOTP consumes a one-time code, confirming the email on first use, and starts a session.
func (backend *Backend) VerifyOTP(ctx context.Context, email string, code string) (Session, error) {
	normalizedEmail := normalizeEmail(email)
	if _, err := backend.otps.Consume(ctx, normalizedEmail, strings.TrimSpace(code)); err != nil {
		backend.metrics.Increment(MetricOTPFailure)
		return Session{}, fmt.Errorf("auth.verify_otp: %w", err)
	}
	record, err := backend.users.UserByEmail(ctx, normalizedEmail)
	if err != nil {
		return Session{}, fmt.Errorf("auth.verify_otp: %w", err)
	}
	if record.EmailConfirmedAt == nil {
		if err := backend.confirm(ctx, &record); err != nil {
			return Session{}, err
		}
	}
	return backend.startSession(ctx, record, AuthMethodOTP)
}

// SignInWithIDToken exchanges a Google ID token for a session, registering new principals
// with the supplied metadata.
func (backend *Backend) SignInWithIDToken(ctx context.Context, idToken string, metadata map[string]any) (Session, error) {
	if backend.google == nil {
		return Session{}, fmt.Errorf("auth.signin.id_token: %w", ErrOAuthUnavailable)
	}
	payload, err := backend.google.Validate(ctx, idToken, backend.config.GoogleWebClientID)
	if err != nil {
		backend.metrics.Increment(MetricIDTokenFailure)
		return Session{}, fmt.Errorf("auth.signin.id_token: %w", ErrInvalidIDToken)
	}
	identity, ok := googleIdentityFromPayload(payload)
	if !ok {
		backend.metrics.Increment(MetricIDTokenFailure)
		return Session{}, fmt.Errorf("auth.signin.id_token: %w", ErrInvalidIDToken)
	}
	if identity.Subject == "" || identity.Email == "" || !identity.EmailVerified {
		backend.metrics.Increment(MetricIDTokenFailure)
		return Session{}, fmt.Errorf("auth.signin.id_token: %w", ErrUnverifiedIdentity)
	}

	normalizedEmail := normalizeEmail(identity.Email)
	record, lookupErr := backend.users.UserByEmail(ctx, normalizedEmail)
	switch {
	case errors.Is(lookupErr, ErrUserNotFound):
		now := backend.now().UTC()
		registrationMetadata := cloneMetadata(metadata)
		registrationMetadata[MetadataProvider] = "google"
		if _, hasName := registrationMetadata[MetadataFullName]; !hasName && identity.Name != "" {
			registrationMetadata[MetadataFullName] = identity.Name
		}
		record = UserRecord{
			ID:               uuid.NewString(),
			Email:            normalizedEmail,
			Metadata:         registrationMetadata,
			EmailConfirmedAt: &now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := backend.users.CreateUser(ctx, record); err != nil {
			return Session{}, fmt.Errorf("auth.signin.id_token: %w", err)
		}
		backend.metrics.Increment(MetricSignUp)
		backend.publishRegistered(ctx, record)
	case lookupErr != nil:
		return Session{}, fmt.Errorf("auth.signin.id_token: %w", lookupErr)
	case record.EmailConfirmedAt == nil:
		if err := backend.confirm(ctx, &record); err != nil {
			return Session{}, err
		}
	}
	return backend.startSession(ctx, record, AuthMethodIDToken)
}

// RefreshSession rotates a refresh token and mints a new access token.
func (backend *Backend) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	applicationUserID, currentTokenID, _, err := backend.refreshTokens.Validate(ctx, refreshToken)
	if err != nil {
		backend.metrics.Increment(MetricRefreshFailure)
		return Session{}, fmt.Errorf("auth.refresh: %w", err)
	}
	record, err := backend.users.UserByID(ctx, applicationUserID)
	if err != nil {
		backend.metrics.Increment(MetricRefreshFailure)
		return Session{}, fmt.Errorf("auth.refresh: %w", err)
	}
	session, err := backend.issueSession(ctx, record, AuthMethodRefresh, currentTokenID)
	if err != nil {
		return Session{}, err
	}
	if revokeErr := backend.refreshTokens.Revoke(ctx, currentTokenID); revokeErr != nil {
		return Session{}, fmt.Errorf("auth.refresh: %w", revokeErr)
	}
	backend.metrics.Increment(MetricRefresh)
	return session, nil
}

// GetUser validates the access token and returns the current principal record.
func (backend *Backend) GetUser(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := backend.accessTokens.ValidateToken(accessToken)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("auth.get_user: %w", ErrSessionExpired)
		}
		return Principal{}, fmt.Errorf("auth.get_user: %w", ErrInvalidAccessToken)
	}
	record, err := backend.users.UserByID(ctx, claims.UserID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth.get_user: %w", err)
	}
	return record.Principal(), nil
}

// SignOut revokes the refresh token (local) or every refresh token of the principal (global).
// Access tokens stay valid until they expire.
func (backend *Backend) SignOut(ctx context.Context, accessToken string, refreshToken string, scope SignOutScope) error {
	if scope == SignOutGlobal {
		applicationUserID := ""
		if claims, err := backend.accessTokens.ValidateToken(accessToken); err == nil {
			applicationUserID = claims.UserID
		}
		if applicationUserID == "" && strings.TrimSpace(refreshToken) != "" {
			if userID, _, _, err := backend.refreshTokens.Validate(ctx, refreshToken); err == nil {
				applicationUserID = userID
			}
		}
		if applicationUserID == "" {
			return fmt.Errorf("auth.signout.global: %w", ErrInvalidAccessToken)
		}
		if _, err := backend.refreshTokens.RevokeAllForUser(ctx, applicationUserID); err != nil {
			return fmt.Errorf("auth.signout.global: %w", err)
		}
		backend.metrics.Increment(MetricGlobalSignOut)
		return nil
	}

	backend.metrics.Increment(MetricSignOut)
	if strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	_, tokenID, _, err := backend.refreshTokens.Validate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) || errors.Is(err, ErrRefreshTokenRevoked) || errors.Is(err, ErrRefreshTokenExpired) {
			return nil
		}
		return fmt.Errorf("auth.signout: %w", err)
	}
	if revokeErr := backend.refreshTokens.Revoke(ctx, tokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
		return fmt.Errorf("auth.signout: %w", revokeErr)
	}
	return nil
}

func (backend *Backend) startSession(ctx context.Context, record UserRecord, method AuthMethod) (Session, error) {
	signedInAt := backend.now().UTC()
	if err := backend.users.RecordSignIn(ctx, record.ID, signedInAt); err != nil {
		return Session{}, fmt.Errorf("auth.session.start: %w", err)
	}
	session, err := backend.issueSession(ctx, record, method, "")
	if err != nil {
		return Session{}, err
	}
	switch method {
	case AuthMethodPassword:
		backend.metrics.Increment(MetricPasswordSignIn)
	case AuthMethodOTP:
		backend.metrics.Increment(MetricOTPSignIn)
	case AuthMethodIDToken:
		backend.metrics.Increment(MetricIDTokenSignIn)
	}
	backend.publish(ctx, events.RoutingKeyPrincipalSignedIn, events.PrincipalSignedIn{
		PrincipalID: record.ID,
		Email:       record.Email,
		Method:      string(method),
	})
	return session, nil
}

func (backend *Backend) issueSession(ctx context.Context, record UserRecord, method AuthMethod, previousTokenID string) (Session, error) {
	issuedAt := backend.now().UTC()
	tokenID, refreshOpaque, err := backend.refreshTokens.Issue(ctx, record.ID, issuedAt.Add(backend.config.RefreshTTL).Unix(), previousTokenID)
	if err != nil || strings.TrimSpace(refreshOpaque) == "" {
		return Session{}, fmt.Errorf("auth.session.issue_refresh: %w", err)
	}
	principal := record.Principal()
	accessToken, expiresAt, err := MintAccessToken(principal, method, tokenID, backend.config.Issuer, backend.config.SigningKey, backend.config.AccessTTL, issuedAt)
	if err != nil {
		return Session{}, fmt.Errorf("auth.session.mint: %w", err)
	}
	return Session{
		AccessToken:  accessToken,
		RefreshToken: refreshOpaque,
		ExpiresAt:    expiresAt,
		Method:       method,
		Principal:    principal,
	}, nil
}

func (backend *Backend) confirm(ctx context.Context, record *UserRecord) error {
	confirmedAt := backend.now().UTC()
	if err := backend.users.ConfirmEmail(ctx, record.ID, confirmedAt); err != nil {
		return fmt.Errorf("auth.confirm: %w", err)
	}
	record.EmailConfirmedAt = &confirmedAt
	return nil
}

func (backend *Backend) sendCode(ctx context.Context, email string, purpose OTPPurpose) error {
	code, err := backend.otps.Issue(ctx, email, purpose)
	if err != nil {
		return fmt.Errorf("auth.otp.issue: %w", err)
	}
	if err := backend.sender.SendCode(ctx, email, code, purpose); err != nil {
		return fmt.Errorf("auth.otp.send: %w", err)
	}
	backend.metrics.Increment(MetricOTPSent)
	return nil
}

func (backend *Backend) validateEmail(email string) error {
	if err := backend.validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("auth.validate_email: %w", ErrInvalidEmail)
	}
	return nil
}

func (backend *Backend) publishRegistered(ctx context.Context, record UserRecord) {
	userType, _ := record.Metadata[MetadataUserType].(string)
	backend.publish(ctx, events.RoutingKeyPrincipalRegistered, events.PrincipalRegistered{
		PrincipalID: record.ID,
		Email:       record.Email,
		UserType:    userType,
	})
}

func (backend *Backend) publish(ctx context.Context, routingKey string, payload any) {
	if err := backend.publisher.Publish(ctx, routingKey, payload); err != nil {
		backend.metrics.Increment(MetricEventPublishError)
		backend.logger.Warn("event publish failed",
			zap.String("code", "auth.events.publish_failed"),
			zap.String("routing_key", routingKey),
			zap.Error(err))
	}
}
