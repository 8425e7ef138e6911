package user

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(NewService(newFakeStore(), "secret"), logger)
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rec
}

func TestHandlerRegisterLogin(t *testing.T) {
	h := newTestHandler()

	rec := post(h.Register, `{"username":"alice","password":"hunter22"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = post(h.Register, `{"username":"alice","password":"hunter22"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = post(h.Register, `{"username":"a","password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(h.Login, `{"username":"alice","password":"nope-nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h.Login, `{"username":"alice","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.AccessToken)
	assert.Equal(t, "alice", res.Username)
}

func TestHandlerSearch(t *testing.T) {
	h := newTestHandler()
	require.Equal(t, http.StatusCreated, post(h.Register, `{"username":"alice","password":"hunter22"}`).Code)
	require.Equal(t, http.StatusCreated, post(h.Register, `{"username":"bob","password":"hunter22"}`).Code)

	rec := httptest.NewRecorder()
	h.SearchUsers(rec, httptest.NewRequest(http.MethodGet, "/api/users/search?q=ali", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var users []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)

	rec = httptest.NewRecorder()
	h.SearchUsers(rec, httptest.NewRequest(http.MethodGet, "/api/users/search", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
