package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/internal/token"
	"github.com/jjudge-oj/authserver/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	Update(ctx context.Context, user types.User) (types.User, error)
}

// RegisterInput holds the allow-listed registration fields.
type RegisterInput struct {
	Email           string `json:"email" validate:"required"`
	Password        string `json:"password" validate:"required"`
	ConfirmPassword string `json:"confirmPassword" validate:"required,eqfield=Password"`
	Admin           Flag   `json:"admin"`
}

// Flag is a boolean that also decodes from JSON strings and numbers such as
// "true", "1" or 0. null and "" decode as false.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" || raw == "null" {
		*f = false
		return nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid boolean %s", data)
	}
	*f = Flag(parsed)
	return nil
}

// LoginInput holds the allow-listed login fields.
type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UpdateProfileInput holds the optional profile fields. Empty means unchanged.
type UpdateProfileInput struct {
	Email           string `json:"email" validate:"omitempty"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// UserService encapsulates registration, login, session resolution and
// profile use-cases.
type UserService struct {
	repo          UserRepository
	tokens        *token.Codec
	validate      *validator.Validate
	logger        *logrus.Logger
	hashCost      int
	events        Publisher
	eventsChannel string
}

func NewUserService(repo UserRepository, tokens *token.Codec, logger *logrus.Logger) *UserService {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &UserService{
		repo:     repo,
		tokens:   tokens,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		hashCost: bcrypt.DefaultCost,
	}
}

// WithEvents enables publishing of account events to channel.
func (s *UserService) WithEvents(publisher Publisher, channel string) *UserService {
	s.events = publisher
	s.eventsChannel = channel
	return s
}

// WithHashCost overrides the bcrypt cost used for new password hashes.
func (s *UserService) WithHashCost(cost int) *UserService {
	s.hashCost = cost
	return s
}

// Register creates a new account and returns a session token for it.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (string, error) {
	in.Email = strings.TrimSpace(in.Email)

	if in.Email != "" {
		if _, err := s.repo.GetByEmail(ctx, in.Email); err == nil {
			return "", ErrDuplicateEmail
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: lookup user: %v", ErrPersistence, err)
		}
	}

	if err := s.validate.Struct(in); err != nil {
		s.logger.WithField("reason", validationReason(err)).Debug("registration rejected")
		return "", ErrInvalidParams
	}

	hashed, err := hashPassword(in.Password, s.hashCost)
	if err != nil {
		if errors.Is(err, ErrInvalidParams) {
			return "", err
		}
		return "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Email:        in.Email,
		PasswordHash: hashed,
		Admin:        bool(in.Admin),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", ErrDuplicateEmail
		}
		return "", fmt.Errorf("%w: create user: %v", ErrPersistence, err)
	}

	tok, err := s.tokens.Issue(user.ID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "admin": user.Admin}).Info("user registered")
	s.publishEvent(ctx, UserEvent{Type: EventUserRegistered, UserID: user.ID, Email: user.Email})
	return tok, nil
}

// Login verifies credentials and returns a session token.
func (s *UserService) Login(ctx context.Context, in LoginInput) (string, error) {
	in.Email = strings.TrimSpace(in.Email)
	if in.Email == "" || in.Password == "" {
		return "", ErrAuthenticationFailed
	}

	user, err := s.repo.GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("login rejected: unknown email")
			return "", ErrAuthenticationFailed
		}
		return "", fmt.Errorf("%w: lookup user: %v", ErrPersistence, err)
	}

	if user.Email != in.Email || !passwordMatches(user.PasswordHash, in.Password) {
		s.logger.WithField("user_id", user.ID).Info("login rejected: wrong password")
		return "", ErrAuthenticationFailed
	}

	tok, err := s.tokens.Issue(user.ID)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return tok, nil
}

// Resolve verifies a session token and loads the current state of its user.
func (s *UserService) Resolve(ctx context.Context, rawToken string) (types.User, error) {
	if strings.TrimSpace(rawToken) == "" {
		return types.User{}, ErrUnauthenticated
	}

	claims, err := s.tokens.Verify(rawToken)
	if err != nil {
		s.logger.WithError(err).Debug("session token rejected")
		return types.User{}, ErrUnauthenticated
	}

	user, err := s.repo.GetByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, ErrUnauthenticated
		}
		return types.User{}, fmt.Errorf("%w: load user: %v", ErrPersistence, err)
	}
	return user, nil
}

// UpdateProfile applies an email and/or password change to user. A wrong
// current password rejects the whole update before anything is written.
func (s *UserService) UpdateProfile(ctx context.Context, user types.User, in UpdateProfileInput) (types.User, error) {
	in.Email = strings.TrimSpace(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return types.User{}, ErrInvalidParams
	}

	updated := user
	passwordChanged := false
	if in.NewPassword != "" {
		if !passwordMatches(user.PasswordHash, in.CurrentPassword) {
			s.logger.WithField("user_id", user.ID).Info("profile update rejected: wrong current password")
			return types.User{}, ErrAuthorizationFailed
		}
		hashed, err := hashPassword(in.NewPassword, s.hashCost)
		if err != nil {
			if errors.Is(err, ErrInvalidParams) {
				return types.User{}, err
			}
			return types.User{}, fmt.Errorf("hash password: %w", err)
		}
		updated.PasswordHash = hashed
		passwordChanged = true
	}

	emailChanged := false
	if in.Email != "" && in.Email != user.Email {
		updated.Email = in.Email
		emailChanged = true
	}

	saved, err := s.repo.Update(ctx, updated)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return types.User{}, ErrDuplicateEmail
		}
		return types.User{}, fmt.Errorf("%w: update user: %v", ErrPersistence, err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":          saved.ID,
		"email_changed":    emailChanged,
		"password_changed": passwordChanged,
	}).Info("profile updated")
	if emailChanged || passwordChanged {
		s.publishEvent(ctx, UserEvent{
			Type:            EventUserUpdated,
			UserID:          saved.ID,
			Email:           saved.Email,
			EmailChanged:    emailChanged,
			PasswordChanged: passwordChanged,
		})
	}
	return saved, nil
}

func validationReason(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, fe.Field()+":"+fe.Tag())
	}
	return strings.Join(reasons, ",")
}
