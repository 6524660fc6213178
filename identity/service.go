package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"taskboard-api/domain"
)

// tokenTTL is how long an issued session token stays valid.
const tokenTTL = 7 * 24 * time.Hour

var (
	// ErrEmailTaken is returned when registering with an address that
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown emails and wrong passwords.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserStore persists user records.
type UserStore interface {
	InsertUser(ctx context.Context, u domain.UserRecord) error
	GetUser(ctx context.Context, id string) (domain.UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (domain.UserRecord, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
}

// Service handles registration, login and session token issuance. Tokens are
// HS256 JWTs signed with the shared secret the API validates against.
type Service struct {
	store  UserStore
	secret []byte
	now    func() time.Time
	log    *log.Logger
}

// NewService creates the identity service.
func NewService(store UserStore, secret []byte, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{store: store, secret: secret, now: time.Now, log: logger}
}

// Register creates a new account. The password is stored as a bcrypt hash.
func (s *Service) Register(ctx context.Context, username, email, password string) (domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, err
	}
	rec := domain.UserRecord{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(username),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertUser(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.User{}, ErrEmailTaken
		}
		return domain.User{}, err
	}
	s.log.WithField("user", rec.ID).Info("user registered")
	return rec.Public(), nil
}

// Login verifies the credentials and returns the user with a fresh session
// token.
func (s *Service) Login(ctx context.Context, email, password string) (domain.User, string, error) {
	rec, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.User{}, "", ErrInvalidCredentials
		}
		return domain.User{}, "", err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := s.IssueToken(rec.ID)
	if err != nil {
		return domain.User{}, "", err
	}
	return rec.Public(), token, nil
}

// IssueToken signs a session token for the given user id.
func (s *Service) IssueToken(userID string) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Me resolves the authenticated user's own profile.
func (s *Service) Me(ctx context.Context, userID string) (domain.User, error) {
	rec, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return domain.User{}, err
	}
	return rec.Public(), nil
}

// Users lists every registered user for assignee selection.
func (s *Service) Users(ctx context.Context) ([]domain.User, error) {
	return s.store.ListUsers(ctx)
}
