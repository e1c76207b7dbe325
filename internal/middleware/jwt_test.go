package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubValidator map[string]bool // token -> admin

func (s stubValidator) ValidateToken(token string) (string, string, bool, error) {
	admin, ok := s[token]
	if !ok {
		return "", "", false, errors.New("invalid token")
	}
	return "id-" + token, "name-" + token, admin, nil
}

func TestAuthMiddleware(t *testing.T) {
	var (
		gotID, gotName string
		gotAdmin       bool
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, _ = r.Context().Value(UserKey).(string)
		gotName, _ = r.Context().Value(DisplayNameKey).(string)
		gotAdmin, _ = r.Context().Value(AdminKey).(bool)
		w.WriteHeader(http.StatusTeapot)
	})
	h := NewAuthMiddleware(stubValidator{"good": false, "boss": true}).Handle(next)

	tests := []struct {
		name      string
		header    string
		query     string
		status    int
		wantID    string
		wantAdmin bool
	}{
		{name: "bearer header", header: "Bearer good", status: http.StatusTeapot, wantID: "id-good"},
		{name: "lowercase scheme", header: "bearer boss", status: http.StatusTeapot, wantID: "id-boss", wantAdmin: true},
		{name: "query fallback", query: "?token=good", status: http.StatusTeapot, wantID: "id-good"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "malformed header", header: "Token good", status: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotName, gotAdmin = "", "", false
			req := httptest.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.wantID, gotID)
			assert.Equal(t, tt.wantAdmin, gotAdmin)
			if tt.wantID != "" {
				assert.Equal(t, "name-"+tt.wantID[len("id-"):], gotName)
			}
		})
	}
}
