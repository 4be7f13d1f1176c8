package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware("s3cret"))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextEmail))
	})
	return r
}

func TestSignAndParse(t *testing.T) {
	tok, err := SignToken("s3cret", "a@x.com", time.Minute)
	assert.Equal(t, nil, err)

	claims, err := ParseToken("s3cret", tok)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a@x.com", claims.Email)

	if _, err := ParseToken("other", tok); err == nil {
		t.Fatal("expected signature error")
	}
	expired, _ := SignToken("s3cret", "a@x.com", -time.Minute)
	if _, err := ParseToken("s3cret", expired); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestAuthMiddleware(t *testing.T) {
	r := newRouter()
	tok, _ := SignToken("s3cret", "a@x.com", time.Minute)

	cases := []struct {
		name   string
		path   string
		header string
		code   int
		body   string
	}{
		{"header", "/me", "Bearer " + tok, 200, "a@x.com"},
		{"lowercase prefix", "/me", "bearer " + tok, 200, "a@x.com"},
		{"query", "/me?token=" + tok, "", 200, "a@x.com"},
		{"missing", "/me", "", 401, ""},
		{"garbage", "/me", "Bearer nope", 401, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.code, w.Code)
			if tc.code == 200 {
				assert.Equal(t, tc.body, w.Body.String())
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	assert.Equal(t, "", extractBearer(""))
	assert.Equal(t, "", extractBearer("Basic abc"))
	assert.Equal(t, "", extractBearer("Bearer "))
	assert.Equal(t, "abc", extractBearer("Bearer  abc "))
}
