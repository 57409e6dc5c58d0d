package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/internal/token"
	"github.com/jjudge-oj/authserver/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	events   []UserEvent
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, data []byte, _ map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	var event UserEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", err
	}
	p.channels = append(p.channels, channel)
	p.events = append(p.events, event)
	return event.ID, nil
}

// brokenRepo fails every call with a driver-level error.
type brokenRepo struct{}

var errDBDown = errors.New("db down")

func (brokenRepo) GetByID(context.Context, string) (types.User, error) {
	return types.User{}, errDBDown
}
func (brokenRepo) GetByEmail(context.Context, string) (types.User, error) {
	return types.User{}, errDBDown
}
func (brokenRepo) Create(context.Context, types.User) (types.User, error) {
	return types.User{}, errDBDown
}
func (brokenRepo) Update(context.Context, types.User) (types.User, error) {
	return types.User{}, errDBDown
}

func newTestService(t *testing.T, repo UserRepository) (*UserService, *token.Codec) {
	t.Helper()
	codec, err := token.NewCodec("test-secret", "authserver", time.Hour)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	svc := NewUserService(repo, codec, logger)
	svc.hashCost = bcrypt.MinCost
	return svc, codec
}

func register(t *testing.T, svc *UserService, email, password string) string {
	t.Helper()
	tok, err := svc.Register(context.Background(), RegisterInput{
		Email:           email,
		Password:        password,
		ConfirmPassword: password,
	})
	require.NoError(t, err)
	return tok
}

func TestRegisterIssuesTokenAndHashesPassword(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, codec := newTestService(t, repo)

	tok := register(t, svc, "test@test.com", "password")

	claims, err := codec.Verify(tok)
	require.NoError(t, err)

	user, err := repo.GetByID(context.Background(), claims.UserID())
	require.NoError(t, err)
	assert.Equal(t, "test@test.com", user.Email)
	assert.NotEqual(t, "password", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("password")))
}

func TestRegisterAdminFlag(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:           "root@example.com",
		Password:        "pw",
		ConfirmPassword: "pw",
		Admin:           true,
	})
	require.NoError(t, err)

	user, err := repo.GetByEmail(context.Background(), "root@example.com")
	require.NoError(t, err)
	assert.True(t, user.Admin)
}

func TestRegisterValidation(t *testing.T) {
	cases := []struct {
		name string
		in   RegisterInput
	}{
		{name: "missing password", in: RegisterInput{Email: "a@test.com", ConfirmPassword: "password"}},
		{name: "missing confirmation", in: RegisterInput{Email: "a@test.com", Password: "password"}},
		{name: "missing email", in: RegisterInput{Password: "password", ConfirmPassword: "password"}},
		{name: "mismatched confirmation", in: RegisterInput{Email: "a@test.com", Password: "password", ConfirmPassword: "drowssap"}},
		{name: "password too long", in: RegisterInput{Email: "a@test.com", Password: strings.Repeat("x", 80), ConfirmPassword: strings.Repeat("x", 80)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := store.NewMemoryUserRepository()
			svc, _ := newTestService(t, repo)

			_, err := svc.Register(context.Background(), tc.in)
			assert.ErrorIs(t, err, ErrInvalidParams)
			assert.Equal(t, 0, repo.Len(), "no record should be persisted")
		})
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)

	register(t, svc, "taken@email.com", "newpassword")

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:           "taken@email.com",
		Password:        "otherpassword",
		ConfirmPassword: "otherpassword",
	})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
	assert.Equal(t, 1, repo.Len())
}

func TestRegisterDuplicateReportedBeforeValidation(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	register(t, svc, "taken@email.com", "pw")

	_, err := svc.Register(context.Background(), RegisterInput{Email: "taken@email.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

// conflictOnCreate simulates losing the race against a concurrent registration:
// the pre-check sees no user but the unique index rejects the insert.
type conflictOnCreate struct {
	*store.MemoryUserRepository
}

func (conflictOnCreate) Create(context.Context, types.User) (types.User, error) {
	return types.User{}, store.ErrConflict
}

func TestRegisterStoreConflictIsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t, conflictOnCreate{store.NewMemoryUserRepository()})

	_, err := svc.Register(context.Background(), RegisterInput{
		Email:           "race@example.com",
		Password:        "pw",
		ConfirmPassword: "pw",
	})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestRegisterConcurrentSameEmailCreatesOneUser(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), RegisterInput{
				Email:           "same@example.com",
				Password:        "pw",
				ConfirmPassword: "pw",
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, repo.Len())
}

func TestRegisterPersistenceFailure(t *testing.T) {
	svc, _ := newTestService(t, brokenRepo{})

	_, err := svc.Register(context.Background(), RegisterInput{Email: "a@test.com", Password: "p", ConfirmPassword: "p"})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestLogin(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, codec := newTestService(t, repo)
	register(t, svc, "user@example.com", "correct-horse")

	t.Run("unknown email", func(t *testing.T) {
		_, err := svc.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "correct-horse"})
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := svc.Login(context.Background(), LoginInput{Email: "user@example.com", Password: "battery-staple"})
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("missing password", func(t *testing.T) {
		_, err := svc.Login(context.Background(), LoginInput{Email: "user@example.com"})
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	})

	t.Run("correct credentials", func(t *testing.T) {
		tok, err := svc.Login(context.Background(), LoginInput{Email: "user@example.com", Password: "correct-horse"})
		require.NoError(t, err)

		claims, err := codec.Verify(tok)
		require.NoError(t, err)
		user, err := repo.GetByEmail(context.Background(), "user@example.com")
		require.NoError(t, err)
		assert.Equal(t, user.ID, claims.UserID())
	})
}

func TestLoginPersistenceFailure(t *testing.T) {
	svc, _ := newTestService(t, brokenRepo{})

	_, err := svc.Login(context.Background(), LoginInput{Email: "a@test.com", Password: "p"})
	assert.ErrorIs(t, err, ErrPersistence)
	assert.NotErrorIs(t, err, ErrAuthenticationFailed)
}

func TestResolve(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "me@example.com", "pw")

	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", user.Email)

	_, err = svc.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.Resolve(context.Background(), tok+"x")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveExpiredToken(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	register(t, svc, "old@example.com", "pw")
	user, err := repo.GetByEmail(context.Background(), "old@example.com")
	require.NoError(t, err)

	issuedEarlier, err := token.NewCodec("test-secret", "authserver", time.Hour)
	require.NoError(t, err)
	issuedEarlier.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	tok, err := issuedEarlier.Issue(user.ID)
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveDeletedUser(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "gone@example.com", "pw")

	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	require.NoError(t, repo.Delete(context.Background(), user.ID))

	_, err = svc.Resolve(context.Background(), tok)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolveAfterEmailChangeReturnsCurrentState(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "before@example.com", "pw")

	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	_, err = svc.UpdateProfile(context.Background(), user, UpdateProfileInput{Email: "after@example.com"})
	require.NoError(t, err)

	resolved, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, user.ID, resolved.ID)
	assert.Equal(t, "after@example.com", resolved.Email)
}

func TestUpdateProfileWrongCurrentPassword(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "me@example.com", "original")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)

	_, err = svc.UpdateProfile(context.Background(), user, UpdateProfileInput{
		Email:           "changed@example.com",
		CurrentPassword: "not-the-password",
		NewPassword:     "new-password",
	})
	assert.ErrorIs(t, err, ErrAuthorizationFailed)

	stored, err := repo.GetByID(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.PasswordHash, stored.PasswordHash)
	assert.Equal(t, "me@example.com", stored.Email, "email must not change when the password check fails")
}

func TestUpdateProfilePasswordChange(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "me@example.com", "original")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)

	saved, err := svc.UpdateProfile(context.Background(), user, UpdateProfileInput{
		CurrentPassword: "original",
		NewPassword:     "replacement",
	})
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", saved.Email)

	_, err = svc.Login(context.Background(), LoginInput{Email: "me@example.com", Password: "original"})
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = svc.Login(context.Background(), LoginInput{Email: "me@example.com", Password: "replacement"})
	assert.NoError(t, err)
}

func TestUpdateProfileEmailOnly(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "me@example.com", "original")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)

	saved, err := svc.UpdateProfile(context.Background(), user, UpdateProfileInput{Email: "new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", saved.Email)
	assert.Equal(t, user.PasswordHash, saved.PasswordHash)
}

func TestUpdateProfileEmailTaken(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	register(t, svc, "other@example.com", "pw")
	tok := register(t, svc, "me@example.com", "pw")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)

	_, err = svc.UpdateProfile(context.Background(), user, UpdateProfileInput{Email: "other@example.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)
}

func TestUpdateProfileAcceptsAnyNonEmptyEmail(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	tok := register(t, svc, "me@example.com", "pw")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)

	updated, err := svc.UpdateProfile(context.Background(), user, UpdateProfileInput{Email: "nope"})
	require.NoError(t, err)
	assert.Equal(t, "nope", updated.Email)
}

func TestUpdateProfilePersistenceFailure(t *testing.T) {
	svc, _ := newTestService(t, brokenRepo{})

	_, err := svc.UpdateProfile(context.Background(), types.User{ID: "u1", Email: "a@test.com"}, UpdateProfileInput{Email: "b@test.com"})
	assert.ErrorIs(t, err, ErrPersistence)
}

func TestEventsPublished(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	publisher := &recordingPublisher{}
	svc.WithEvents(publisher, "user-events")

	tok := register(t, svc, "events@example.com", "pw")
	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	_, err = svc.UpdateProfile(context.Background(), user, UpdateProfileInput{Email: "events2@example.com"})
	require.NoError(t, err)

	require.Len(t, publisher.events, 2)
	assert.Equal(t, []string{"user-events", "user-events"}, publisher.channels)

	registered := publisher.events[0]
	assert.Equal(t, EventUserRegistered, registered.Type)
	assert.Equal(t, user.ID, registered.UserID)
	assert.NotEmpty(t, registered.ID)

	updated := publisher.events[1]
	assert.Equal(t, EventUserUpdated, updated.Type)
	assert.Equal(t, "events2@example.com", updated.Email)
	assert.True(t, updated.EmailChanged)
	assert.False(t, updated.PasswordChanged)
}

func TestEventPublishFailureDoesNotFailRequest(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)
	svc.WithEvents(&recordingPublisher{err: errors.New("broker down")}, "user-events")

	register(t, svc, "quiet@example.com", "pw")
	assert.Equal(t, 1, repo.Len())
}

func TestFlagUnmarshalJSON(t *testing.T) {
	cases := []struct {
		raw  string
		want Flag
	}{
		{raw: `true`, want: true},
		{raw: `"true"`, want: true},
		{raw: `"1"`, want: true},
		{raw: `1`, want: true},
		{raw: `false`, want: false},
		{raw: `"0"`, want: false},
		{raw: `null`, want: false},
		{raw: `""`, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			var in RegisterInput
			require.NoError(t, json.Unmarshal([]byte(`{"admin":`+tc.raw+`}`), &in))
			assert.Equal(t, tc.want, in.Admin)
		})
	}

	var in RegisterInput
	assert.Error(t, json.Unmarshal([]byte(`{"admin":"maybe"}`), &in))
}

func TestRegisterPlainEmail(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc, _ := newTestService(t, repo)

	tok, err := svc.Register(context.Background(), RegisterInput{Email: "alice", Password: "pw", ConfirmPassword: "pw"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	user, err := svc.Resolve(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Email)
}
