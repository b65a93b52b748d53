package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	testKey    = "unit-test-signing-key"
	testIssuer = "rollcall-test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIssueAndParse(t *testing.T) {
	tok, err := Issue("stud-1", RoleStudent, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tok.Value == "" || !tok.ExpiresAt.After(time.Now()) {
		t.Fatalf("unusable token: %+v", tok)
	}

	claims, err := Parse(tok.Value, testKey, testIssuer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "stud-1" || claims.Role != RoleStudent {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParseRejects(t *testing.T) {
	tok, err := Issue("t-1", RoleTeacher, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	expired, err := Issue("t-1", RoleTeacher, testIssuer, testKey, -time.Minute)
	if err != nil {
		t.Fatalf("Issue expired: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", tok.Value, "other-key", testIssuer},
		{"wrong issuer", tok.Value, testKey, "someone-else"},
		{"expired token", expired.Value, testKey, testIssuer},
		{"garbage token", "not.a.jwt", testKey, testIssuer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.token, tc.key, tc.issuer); err == nil {
				t.Fatal("Parse accepted a bad token")
			}
		})
	}
}

func protectedRouter(roles ...string) *gin.Engine {
	r := gin.New()
	grp := r.Group("/", UserAuth(testKey, testIssuer))
	if len(roles) > 0 {
		grp.Use(RequireRole(roles...))
	}
	grp.GET("/ping", func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.JSON(http.StatusOK, gin.H{"sub": claims.Subject})
	})
	return r
}

func TestUserAuthMiddleware(t *testing.T) {
	tok, err := Issue("stud-1", RoleStudent, testIssuer, testKey, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name   string
		header string
		roles  []string
		want   int
	}{
		{"no header", "", nil, http.StatusUnauthorized},
		{"malformed header", "Token abc", nil, http.StatusUnauthorized},
		{"valid token", "Bearer " + tok.Value, nil, http.StatusOK},
		{"role allowed", "Bearer " + tok.Value, []string{RoleStudent}, http.StatusOK},
		{"role refused", "Bearer " + tok.Value, []string{RoleTeacher}, http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := protectedRouter(tc.roles...)
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
