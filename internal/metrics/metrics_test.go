package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Post("/posts/{postID}/things", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	counter := HTTPRequestsTotal.WithLabelValues("POST", "/posts/{postID}/things", "201")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a", "b", "c"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/posts/"+id+"/things", nil))
		assert.Equal(t, http.StatusCreated, w.Code)
	}

	assert.Equal(t, before+3, testutil.ToFloat64(counter))
	assert.Zero(t, testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("POST", "/posts/a/things", "201")))
}

func TestStatusWriter_DefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, status: http.StatusOK}
	w.Write([]byte("ok"))
	assert.Equal(t, http.StatusOK, w.status)

	w.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, w.status)
	assert.Same(t, rec, w.Unwrap())
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := w.Hijack()
	assert.Error(t, err)
}
