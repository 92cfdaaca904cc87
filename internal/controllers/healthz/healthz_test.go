package healthz_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kindly-giving/backend/internal/controllers/healthz"
	"github.com/kindly-giving/backend/test"
	"github.com/stretchr/testify/assert"
)

func TestOptions(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	c, r := gin.CreateTestContext(w)

	r.OPTIONS("/healthz", func(_ *gin.Context) {
		healthz.Options(c)
	})

	c.Request, _ = http.NewRequest(http.MethodOptions, "http://example.com/healthz", nil)
	r.ServeHTTP(w, c.Request)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "OPTIONS, GET", w.Header().Get("allow"))
}

func TestGet(t *testing.T) {
	db := test.Database(t)

	r := gin.New()
	healthz.RegisterRoutes(r.Group("/healthz"), db)

	w := test.Request(t, r, http.MethodGet, "https://example.com/healthz", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestGetClosedDatabase(t *testing.T) {
	db := test.Database(t)
	test.CloseDB(t, db)

	r := gin.New()
	healthz.RegisterRoutes(r.Group("/healthz"), db)

	w := test.Request(t, r, http.MethodGet, "https://example.com/healthz", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
