package myMiddleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubValidator struct {
	userID   int
	username string
	err      error
}

func (s *stubValidator) ValidateToken(string) (int, string, error) {
	return s.userID, s.username, s.err
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		query      string
		validator  *stubValidator
		wantStatus int
		wantUserID int
	}{
		{"bearer token", "Bearer good", "", &stubValidator{userID: 7, username: "olivia"}, http.StatusOK, 7},
		{"query token fallback", "", "good", &stubValidator{userID: 7, username: "olivia"}, http.StatusOK, 7},
		{"missing token", "", "", &stubValidator{}, http.StatusUnauthorized, 0},
		{"invalid token", "Bearer bad", "", &stubValidator{err: errors.New("expired")}, http.StatusUnauthorized, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID int
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUserID, _ = r.Context().Value(UserKey).(int)
			})

			url := "/api/thing"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			NewAuthMiddleware(tt.validator).Handle(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && gotUserID != tt.wantUserID {
				t.Errorf("user id in context = %d, want %d", gotUserID, tt.wantUserID)
			}
		})
	}
}
