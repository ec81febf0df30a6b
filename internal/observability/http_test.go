package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPMiddlewareCapturesStatus(t *testing.T) {
	var inner *StatusWriter
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = w.(*StatusWriter)
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, http.StatusTeapot, inner.Status, "first status wins")
	assert.True(t, inner.Written())
}

func TestStatusWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &StatusWriter{ResponseWriter: rec, Status: http.StatusOK}
	assert.False(t, sw.Written())

	_, err := sw.Write([]byte("ok"))
	assert.NoError(t, err)
	assert.True(t, sw.Written())
	assert.Equal(t, http.StatusOK, sw.Status)
	assert.Same(t, rec, sw.Unwrap())
}

func TestStatusWriterHijackUnsupported(t *testing.T) {
	sw := &StatusWriter{ResponseWriter: httptest.NewRecorder(), Status: http.StatusOK}
	_, _, err := sw.Hijack()
	assert.Error(t, err)
	assert.False(t, sw.Written())
}
