package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	t.Run("valid body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"acme"}`))
		var dest struct {
			Name string `json:"name"`
		}
		require.NoError(t, ParseJSON(r, &dest))
		assert.Equal(t, "acme", dest.Name)
	})

	t.Run("invalid body", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", strings.NewReader(`{not json`))
		var dest map[string]string
		assert.Error(t, ParseJSON(r, &dest))
	})
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{broken`))
	var dest map[string]string

	ok := ParseJSONOrError(w, r, &dest)
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathString(t *testing.T) {
	router := mux.NewRouter()
	var got string
	var err error
	router.HandleFunc("/tenants/{tenant}", func(w http.ResponseWriter, r *http.Request) {
		got, err = ParsePathString(r, "tenant")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/tenants/acme", nil))
	require.NoError(t, err)
	assert.Equal(t, "acme", got)
}

func TestParsePathStringMissing(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, err := ParsePathString(r, "tenant")
	assert.Error(t, err)
}

func TestParseQueryInt(t *testing.T) {
	r := httptest.NewRequest("GET", "/?limit=25", nil)

	val, err := ParseQueryInt(r, "limit", 10)
	require.NoError(t, err)
	assert.Equal(t, 25, val)

	val, err = ParseQueryInt(r, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, val)

	r = httptest.NewRequest("GET", "/?limit=abc", nil)
	_, err = ParseQueryInt(r, "limit", 10)
	assert.Error(t, err)
}

func TestRequireNonEmpty(t *testing.T) {
	w := httptest.NewRecorder()
	assert.True(t, RequireNonEmpty(w, "value", "field"))

	w = httptest.NewRecorder()
	assert.False(t, RequireNonEmpty(w, "", "field"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
