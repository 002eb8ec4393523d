package jwt

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/queueline/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	auth := NewAuthenticator(Config{SecretKey: "secret", Issuer: "queueline"})

	token, expiresAt, err := auth.GenerateToken("user-1", domain.RoleStaff)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	userID, role, err := auth.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, domain.RoleStaff, role)
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth := NewAuthenticator(Config{SecretKey: "secret", Issuer: "queueline"})

	sign := func(claims Claims, key string, method jwt.SigningMethod) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return token
	}
	valid := func() Claims {
		return Claims{
			Role: domain.RoleCustomer,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				Issuer:    "queueline",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name    string
		token   func() string
		wantErr error
	}{
		{
			name:    "garbage",
			token:   func() string { return "not-a-token" },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong key",
			token:   func() string { return sign(valid(), "other", jwt.SigningMethodHS256) },
			wantErr: ErrInvalidToken,
		},
		{
			name:    "wrong algorithm",
			token:   func() string { return sign(valid(), "secret", jwt.SigningMethodHS512) },
			wantErr: ErrInvalidToken,
		},
		{
			name: "expired",
			token: func() string {
				c := valid()
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
				return sign(c, "secret", jwt.SigningMethodHS256)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "other issuer",
			token: func() string {
				c := valid()
				c.Issuer = "someone-else"
				return sign(c, "secret", jwt.SigningMethodHS256)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "missing subject",
			token: func() string {
				c := valid()
				c.Subject = ""
				return sign(c, "secret", jwt.SigningMethodHS256)
			},
			wantErr: ErrInvalidToken,
		},
		{
			name: "unknown role",
			token: func() string {
				c := valid()
				c.Role = "overlord"
				return sign(c, "secret", jwt.SigningMethodHS256)
			},
			wantErr: ErrInvalidRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := auth.ValidateToken(context.Background(), tt.token())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
