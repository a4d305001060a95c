package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "automation-secret-value"

// testTokenValidator is a test implementation of TokenValidator for unit tests.
type testTokenValidator struct {
	tokens map[string]testClaims
}

func (v *testTokenValidator) ValidateToken(tokenString string) (Identity, error) {
	c, ok := v.tokens[tokenString]
	if !ok {
		return nil, fmt.Errorf("invalid token")
	}
	return c, nil
}

type testClaims struct {
	userID uuid.UUID
	role   string
}

func (c testClaims) GetUserID() uuid.UUID { return c.userID }
func (c testClaims) GetRole() string      { return c.role }

// MockRoleLookup is a mock implementation of RoleLookup for testing
type MockRoleLookup struct {
	GetProfileRoleFunc func(ctx context.Context, userID uuid.UUID) (string, error)
}

func (m *MockRoleLookup) GetProfileRole(ctx context.Context, userID uuid.UUID) (string, error) {
	if m.GetProfileRoleFunc != nil {
		return m.GetProfileRoleFunc(ctx, userID)
	}
	return "", nil
}

func protected(opts AdminOptions) (http.Handler, *Principal) {
	var seen Principal
	h := RequireAdmin(opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := GetPrincipal(r)
		if err != nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		seen = p
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestRequireAdmin(t *testing.T) {
	adminID, editorID, profileAdminID := uuid.New(), uuid.New(), uuid.New()
	validator := &testTokenValidator{tokens: map[string]testClaims{
		"admin-token":         {userID: adminID, role: "admin"},
		"editor-token":        {userID: editorID, role: "authenticated"},
		"profile-admin-token": {userID: profileAdminID, role: "authenticated"},
	}}
	roles := &MockRoleLookup{GetProfileRoleFunc: func(_ context.Context, userID uuid.UUID) (string, error) {
		if userID == profileAdminID {
			return "admin", nil
		}
		return "member", nil
	}}
	opts := AdminOptions{Secret: testSecret, Tokens: validator, Roles: roles}

	tests := []struct {
		name       string
		header     map[string]string
		query      string
		wantStatus int
		wantMethod string
		wantUser   uuid.UUID
	}{
		{name: "secret header", header: map[string]string{SecretHeader: testSecret}, wantStatus: http.StatusOK, wantMethod: MethodSecret},
		{name: "secret query", query: "?secret=" + testSecret, wantStatus: http.StatusOK, wantMethod: MethodSecret},
		{name: "wrong secret", header: map[string]string{SecretHeader: "nope"}, wantStatus: http.StatusUnauthorized},
		{name: "no credentials", wantStatus: http.StatusUnauthorized},
		{name: "malformed authorization", header: map[string]string{"Authorization": "Token admin-token"}, wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: map[string]string{"Authorization": "Bearer forged"}, wantStatus: http.StatusUnauthorized},
		{name: "admin claim", header: map[string]string{"Authorization": "bearer admin-token"}, wantStatus: http.StatusOK, wantMethod: MethodBearer, wantUser: adminID},
		{name: "admin profile", header: map[string]string{"Authorization": "Bearer profile-admin-token"}, wantStatus: http.StatusOK, wantMethod: MethodBearer, wantUser: profileAdminID},
		{name: "not admin", header: map[string]string{"Authorization": "Bearer editor-token"}, wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, seen := protected(opts)
			req := httptest.NewRequest(http.MethodPost, "/api/deep-dive/consume"+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.NotEmpty(t, body["error"])
				return
			}
			assert.Equal(t, tt.wantMethod, seen.Method)
			assert.Equal(t, tt.wantUser, seen.UserID)
		})
	}
}

func TestRequireAdmin_SecretDisabled(t *testing.T) {
	h, _ := protected(AdminOptions{})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set(SecretHeader, "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdmin_RoleLookupFailure(t *testing.T) {
	userID := uuid.New()
	h, _ := protected(AdminOptions{
		Tokens: &testTokenValidator{tokens: map[string]testClaims{"t": {userID: userID}}},
		Roles: &MockRoleLookup{GetProfileRoleFunc: func(context.Context, uuid.UUID) (string, error) {
			return "", errors.New("connection refused")
		}},
	})
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer t")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetPrincipal_Missing(t *testing.T) {
	_, err := GetPrincipal(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Error(t, err)
}
