package user

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestService() (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	return NewService(repo, testSecret, []string{"ada"}), repo
}

func TestService_Register(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	u, err := svc.Register(ctx, &RegisterRequest{Username: " bob ", Password: "secret1"})
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "bob", u.Username)
	assert.Equal(t, "bob", u.DisplayName, "display name defaults to the username")
	assert.Empty(t, u.Password)
	assert.False(t, u.IsAdmin)

	admin, err := svc.Register(ctx, &RegisterRequest{Username: "ada", Password: "secret1", DisplayName: "Ada Lovelace"})
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.Equal(t, "Ada Lovelace", admin.DisplayName)

	_, err = svc.Register(ctx, &RegisterRequest{Username: "bob", Password: "another"})
	assert.ErrorIs(t, err, ErrUserExists)
}

func TestService_RegisterRejectsBadInput(t *testing.T) {
	svc, _ := newTestService()
	for _, req := range []RegisterRequest{
		{Username: "", Password: "secret1"},
		{Username: "two words", Password: "secret1"},
		{Username: "bob", Password: "short"},
	} {
		_, err := svc.Register(context.Background(), &req)
		assert.ErrorIs(t, err, ErrInvalidInput, req.Username)
	}
}

func TestService_LoginAndValidateToken(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	registered, err := svc.Register(ctx, &RegisterRequest{Username: "ada", Password: "secret1", DisplayName: "Ada"})
	require.NoError(t, err)

	res, err := svc.Login(ctx, &RegisterRequest{Username: "ada", Password: "secret1"})
	require.NoError(t, err)
	assert.Equal(t, registered.ID, res.ID)
	assert.True(t, res.IsAdmin)
	require.NotEmpty(t, res.AccessToken)

	id, name, isAdmin, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, id)
	assert.Equal(t, "Ada", name)
	assert.True(t, isAdmin)

	_, err = svc.Login(ctx, &RegisterRequest{Username: "ada", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, &RegisterRequest{Username: "nobody", Password: "secret1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_ValidateTokenRejectsForeignTokens(t *testing.T) {
	svc, _ := newTestService()
	other := NewService(NewMemoryRepository(), "other-secret", nil)
	_, err := other.Register(context.Background(), &RegisterRequest{Username: "eve", Password: "secret1"})
	require.NoError(t, err)
	res, err := other.Login(context.Background(), &RegisterRequest{Username: "eve", Password: "secret1"})
	require.NoError(t, err)

	_, _, _, err = svc.ValidateToken(res.AccessToken)
	assert.Error(t, err, "signed with another secret")

	sign := func(claims MyJWTClaims, method jwt.SigningMethod) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	_, _, _, err = svc.ValidateToken(sign(MyJWTClaims{ID: "u1", RegisteredClaims: wrongIssuer}, jwt.SigningMethodHS256))
	assert.Error(t, err, "wrong issuer")

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, _, _, err = svc.ValidateToken(sign(MyJWTClaims{ID: "u1", RegisteredClaims: expired}, jwt.SigningMethodHS256))
	assert.Error(t, err, "expired")

	_, _, _, err = svc.ValidateToken(sign(MyJWTClaims{ID: "u1", RegisteredClaims: valid}, jwt.SigningMethodHS512))
	assert.Error(t, err, "unexpected signing method")

	_, _, _, err = svc.ValidateToken(sign(MyJWTClaims{RegisteredClaims: valid}, jwt.SigningMethodHS256))
	assert.Error(t, err, "no user id")

	_, _, _, err = svc.ValidateToken("not.a.token")
	assert.Error(t, err)
}

func TestService_SearchAndExport(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for _, name := range []string{"ada", "adam", "bob"} {
		_, err := svc.Register(ctx, &RegisterRequest{Username: name, Password: "secret1"})
		require.NoError(t, err)
	}

	found, err := svc.SearchUsers(ctx, "AD")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "ada", found[0].Username)
	assert.Equal(t, "adam", found[1].Username)

	all, err := svc.Export(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, u := range all {
		assert.Empty(t, u.Password)
	}
}
