package generichttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
)

func TestRouteTableBind(t *testing.T) {
	var f float64 = 1.5
	rt := RouteTable{
		{http.MethodGet, "/axis/{axis}/pos"}:  GetFloat(func() (float64, error) { return f, nil }),
		{http.MethodPost, "/axis/{axis}/pos"}: SetFloat(func(v float64) error { f = v; return nil }),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/axis/z/pos", strings.NewReader(`{"f64": 3.25}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.25, f)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/axis/z/pos", nil))
	assert.JSONEq(t, `{"f64": 3.25}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	assert.JSONEq(t, `["GET /axis/{axis}/pos", "POST /axis/{axis}/pos"]`, w.Body.String())
}

func TestSettersRejectBadInput(t *testing.T) {
	h := SetBool(func(bool) error { return nil })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("nope")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h = SetBool(func(bool) error { return errors.New("hardware fault") })
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bool":true}`)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetters(t *testing.T) {
	w := httptest.NewRecorder()
	GetBool(func() (bool, error) { return true, nil })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{"bool": true}`, w.Body.String())

	w = httptest.NewRecorder()
	GetString(func() (string, error) { return "488", nil })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{"str": "488"}`, w.Body.String())

	w = httptest.NewRecorder()
	GetFloat(func() (float64, error) { return 0, errors.New("offline") })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
