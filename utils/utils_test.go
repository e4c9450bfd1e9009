package utils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAllowedUsers(t *testing.T) {
	tests := []struct {
		name            string
		users           string
		expectedUsers   map[string]string
		expectedStrings string
	}{
		{
			name:            "single user",
			users:           "admin:password123",
			expectedUsers:   map[string]string{"admin": "password123"},
			expectedStrings: "admin:<hidden>",
		},
		{
			name:            "multiple users",
			users:           "admin:pass1,user:pass2",
			expectedUsers:   map[string]string{"admin": "pass1", "user": "pass2"},
			expectedStrings: "admin:<hidden>, user:<hidden>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, userStrings, err := ParseAllowedUsers(tt.users)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedUsers, users)
			assert.Equal(t, tt.expectedStrings, userStrings)
			assert.NotContains(t, userStrings, "pass")
		})
	}
}

func TestParseAllowedUsers_InvalidFormat(t *testing.T) {
	for _, users := range []string{"invalid_format", "a:b:c", ":nopass", "admin:pass,"} {
		_, _, err := ParseAllowedUsers(users)
		assert.Error(t, err, users)
	}
}

func TestFetchWithBasicAuth(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "testuser", username)
			assert.Equal(t, "testpass", password)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{ // Best effort encode
				"tier":   "free",
				"models": []map[string]any{{"model": "gemini-2.5-flash", "requests_per_day": 3}},
			})
		}))
		defer server.Close()

		result, err := FetchWithBasicAuth(context.Background(), server.URL, "testuser", "testpass")
		require.NoError(t, err)

		assert.Equal(t, "free", result.Get("tier").String())
		assert.Equal(t, int64(3), result.Get("models.0.requests_per_day").Int())
	})

	t.Run("authentication failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		_, err := FetchWithBasicAuth(context.Background(), server.URL, "wrong", "credentials")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := FetchWithBasicAuth(context.Background(), "invalid-url", "user", "pass")
		assert.Error(t, err)
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("invalid json")) // Best effort write
		}))
		defer server.Close()

		_, err := FetchWithBasicAuth(context.Background(), server.URL, "user", "pass")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshalling JSON")
	})
}
