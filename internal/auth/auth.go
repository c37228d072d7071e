package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xtrntr/energymarket/internal/models"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
)

// AccountStore persists accounts
type AccountStore interface {
	CreateAccount(ctx context.Context, account models.Account) error
	GetAccountByUsername(ctx context.Context, username string) (models.Account, error)
}

// Claims identifies the account a token was issued to
type Claims struct {
	AccountID string `json:"account_id"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// AuthService handles account registration and token issuance
type AuthService struct {
	store  AccountStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(store AccountStore, secret string, ttl time.Duration) *AuthService {
	return &AuthService{store: store, secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Register creates a new account with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (models.Account, error) {
	// Validate input
	if username == "" {
		return models.Account{}, fmt.Errorf("%w: username cannot be empty", ErrInvalidInput)
	}
	if password == "" {
		return models.Account{}, fmt.Errorf("%w: password cannot be empty", ErrInvalidInput)
	}
	if len(username) > 50 {
		return models.Account{}, fmt.Errorf("%w: username too long (max 50 characters)", ErrInvalidInput)
	}
	if len(password) > 72 {
		return models.Account{}, fmt.Errorf("%w: password too long (max 72 characters)", ErrInvalidInput)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.Account{}, err
	}

	account := models.Account{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hashedPassword),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return models.Account{}, err
	}
	return account, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	account, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID: account.ID,
		Username:  account.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   account.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return token.SignedString(s.secret)
}

// ParseToken validates a JWT and returns its claims
func (s *AuthService) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.AccountID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
