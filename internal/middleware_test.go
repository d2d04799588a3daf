package internal_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-live-game-session/internal"
	"github.com/koopa0/system-design/14-live-game-session/internal/content"
	apperrors "github.com/koopa0/system-design/14-live-game-session/pkg/errors"
)

func TestTokens_Verify(t *testing.T) {
	tokens := internal.NewTokens(testSecret, "live-game-session")

	sign := func(t *testing.T, method jwt.SigningMethod, key any, claims internal.Claims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return token
	}
	valid := func(subject, issuer string) internal.Claims {
		return internal.Claims{
			Role: content.RoleStudent,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				Issuer:    issuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
	}

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		wantErr bool
		want    internal.Principal
	}{
		{
			name: "issued token round trips",
			token: func(t *testing.T) string {
				token, err := tokens.Issue("teacher-1", content.RoleTeacher, time.Minute)
				require.NoError(t, err)
				return token
			},
			want: internal.Principal{ID: "teacher-1", Role: content.RoleTeacher},
		},
		{
			name: "wrong issuer",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), valid("s1", "someone-else"))
			},
			wantErr: true,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS256, []byte(testSecret), valid("", "live-game-session"))
			},
			wantErr: true,
		},
		{
			name: "other hmac algorithm",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodHS512, []byte(testSecret), valid("s1", "live-game-session"))
			},
			wantErr: true,
		},
		{
			name: "unsigned token",
			token: func(t *testing.T) string {
				return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid("s1", "live-game-session"))
			},
			wantErr: true,
		},
		{
			name:    "not a jwt",
			token:   func(*testing.T) string { return "abc.def" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			who, err := tokens.Verify(tt.token(t))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, who)
		})
	}
}
