package user

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer         = "chatfeed"
	tokenLifetime  = 24 * time.Hour
	minPasswordLen = 6
)

// Store is the persistence the user service needs. Repository and
// MemoryRepository both provide it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	All(ctx context.Context) ([]User, error)
}

type Service struct {
	repo      Store
	jwtSecret string
	admins    []string // usernames that register as admins
}

type MyJWTClaims struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Admin       bool   `json:"admin"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, admins []string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		admins:    admins,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || strings.ContainsAny(username, " \t\n") {
		return nil, errors.Wrap(ErrInvalidInput, "username must be a single word")
	}
	if len(req.Password) < minPasswordLen {
		return nil, errors.Wrapf(ErrInvalidInput, "password must have at least %d characters", minPasswordLen)
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = username
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:    username,
		DisplayName: displayName,
		Password:    string(hashedPwd),
		IsAdmin:     slices.Contains(s.admins, username),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if u.IsAdmin {
		jww.INFO.Printf("[USER] 👑 registered admin %s", u.Username)
	}
	u.Password = ""
	return u, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Admin:       u.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   u.ID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenLifetime)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		IsAdmin:     u.IsAdmin,
	}, nil
}

// ValidateToken returns the user id, display name and admin flag carried
// by a token Login issued.
func (s *Service) ValidateToken(tokenString string) (string, string, bool, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))

	if err != nil {
		return "", "", false, err
	}
	if !token.Valid || claims.ID == "" {
		return "", "", false, errors.New("invalid token")
	}

	return claims.ID, claims.DisplayName, claims.Admin, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

// Export returns every profile, blocked sets included.
func (s *Service) Export(ctx context.Context) ([]User, error) {
	return s.repo.All(ctx)
}
