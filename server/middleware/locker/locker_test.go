package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"

	"github.com/nasa-jpl/isim/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestLockerBlocksMutations(t *testing.T) {
	rt := table{
		{Method: http.MethodPost, Path: "/live"}: func(w http.ResponseWriter, r *http.Request) {},
		{Method: http.MethodGet, Path: "/live"}:  func(w http.ResponseWriter, r *http.Request) {},
	}
	l := New()
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	generichttp.RouteTable(rt).Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/live", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": true}`))
	assert.True(t, l.Locked())
	assert.Equal(t, http.StatusLocked, do(http.MethodPost, "/live", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/live", ""))

	l.ProtectReads = true
	assert.Equal(t, http.StatusLocked, do(http.MethodGet, "/live", ""))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/lock", ""))

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/lock", `{"bool": false}`))
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/live", ""))
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/lock", `true`))
}
