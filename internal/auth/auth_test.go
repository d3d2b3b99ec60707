package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ukydev/fleet-telemetry/internal/models"
)

func TestNewService(t *testing.T) {
	service := NewService("", 0)
	assert.NotNil(t, service)
	assert.Equal(t, []byte(defaultSecret), service.jwtSecret)
	assert.Equal(t, 24*time.Hour, service.tokenExp)

	service = NewService("s3cret", time.Hour)
	assert.Equal(t, []byte("s3cret"), service.jwtSecret)
	assert.Equal(t, time.Hour, service.tokenExp)
}

func TestHashPassword(t *testing.T) {
	password := "testpassword123"
	hash, err := HashPassword(password)

	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, password, hash)
}

func TestCheckPassword(t *testing.T) {
	password := "testpassword123"
	hash, _ := HashPassword(password)

	// Test correct password
	assert.True(t, CheckPassword(password, hash))

	// Test incorrect password
	assert.False(t, CheckPassword("wrongpassword", hash))
	assert.False(t, CheckPassword(password, "not-a-hash"))
}

func TestService_GenerateAndValidateToken(t *testing.T) {
	service := NewService("test-secret", time.Hour)

	token, expiresAt, err := service.GenerateToken("dispatch", models.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dispatch", claims.Subject)
	assert.Equal(t, models.RoleOperator, claims.Role)
	assert.Equal(t, expiresAt.Unix(), claims.Exp)

	// Bearer prefix is accepted
	claims, err = service.ValidateToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "dispatch", claims.Subject)
}

func TestService_GenerateToken_Rejects(t *testing.T) {
	service := NewService("test-secret", time.Hour)

	_, _, err := service.GenerateToken("", models.RoleViewer)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = service.GenerateToken("dispatch", models.Role("superuser"))
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_ValidateToken_Invalid(t *testing.T) {
	service := NewService("test-secret", time.Hour)

	_, err := service.ValidateToken("invalid-token")
	assert.Equal(t, ErrInvalidToken, err)

	other := NewService("other-secret", time.Hour)
	token, _, err := other.GenerateToken("dispatch", models.RoleViewer)
	require.NoError(t, err)
	_, err = service.ValidateToken(token)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestService_ValidateToken_Expired(t *testing.T) {
	service := NewService("test-secret", time.Hour)

	claims := tokenClaims{
		Role: models.RoleViewer,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dispatch",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(service.jwtSecret)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	assert.Equal(t, ErrExpiredToken, err)
}

func TestService_ValidateToken_WrongAlgorithm(t *testing.T) {
	service := NewService("test-secret", time.Hour)

	claims := tokenClaims{
		Role: models.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dispatch",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = service.ValidateToken(token)
	assert.Equal(t, ErrInvalidToken, err)
}

func TestExtractTokenFromHeader(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		expected  string
		expectErr bool
	}{
		{"valid bearer token", "Bearer abc.def.ghi", "abc.def.ghi", false},
		{"empty header", "", "", true},
		{"missing bearer", "abc.def.ghi", "", true},
		{"wrong scheme", "Basic abc", "", true},
		{"empty token", "Bearer ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := ExtractTokenFromHeader(tt.header)
			if tt.expectErr {
				assert.Equal(t, ErrInvalidToken, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, token)
		})
	}
}

func TestOperator_Authenticate(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	op := Operator{Username: "dispatch", PasswordHash: hash, Role: models.RoleOperator}

	assert.NoError(t, op.Authenticate("dispatch", "hunter22"))
	assert.ErrorIs(t, op.Authenticate("dispatch", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, op.Authenticate("someone", "hunter22"), ErrInvalidCredentials)
	assert.ErrorIs(t, Operator{}.Authenticate("", ""), ErrInvalidCredentials)
}
