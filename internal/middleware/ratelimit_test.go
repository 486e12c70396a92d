package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func rateLimitedRouter(maxRequests int, window time.Duration) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(maxRequests, window))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doGet(r *gin.Engine, path string) int {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitBlocksAboveMax(t *testing.T) {
	r := rateLimitedRouter(2, time.Minute)

	require.Equal(t, http.StatusOK, doGet(r, "/ping"))
	require.Equal(t, http.StatusOK, doGet(r, "/ping"))
	require.Equal(t, http.StatusTooManyRequests, doGet(r, "/ping"))

	// Each path carries its own counter.
	require.Equal(t, http.StatusOK, doGet(r, "/other"))
}

func TestRateLimitResetsAfterWindow(t *testing.T) {
	r := rateLimitedRouter(1, 30*time.Millisecond)

	require.Equal(t, http.StatusOK, doGet(r, "/ping"))
	require.Equal(t, http.StatusTooManyRequests, doGet(r, "/ping"))

	time.Sleep(40 * time.Millisecond)
	require.Equal(t, http.StatusOK, doGet(r, "/ping"))
}

func TestRateLimitDisabledWithZeroMax(t *testing.T) {
	r := rateLimitedRouter(0, time.Minute)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, doGet(r, "/ping"))
	}
}
