package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"studyflow/internal/auth"
	"studyflow/internal/domain"
	"studyflow/internal/store"
	"studyflow/internal/task"
	"studyflow/internal/tasks"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.EnsureSchema())
	t.Cleanup(func() { _ = st.Close() })

	reg := task.NewRegistry()
	tasks.RegisterAll(reg, tasks.Options{})
	issuer := auth.NewIssuer("test-secret", time.Hour)

	srv := httptest.NewServer(New(st, reg, issuer, http.NotFoundHandler(), false))
	t.Cleanup(srv.Close)
	return srv, st
}

func bearerFor(t *testing.T, srv *httptest.Server, userID string) string {
	t.Helper()
	resp := postJSON(t, srv, "/api/auth/token", "", map[string]string{"user_id": userID})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Token)
	return body.Token
}

func postJSON(t *testing.T, srv *httptest.Server, path, token string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func getWithToken(t *testing.T, srv *httptest.Server, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv, "/api/courses/generate", "", map[string]string{"topic": "golang"})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = getWithToken(t, srv, "/api/courses", "garbage")
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGenerateCourseEnqueues(t *testing.T) {
	srv, st := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	resp := postJSON(t, srv, "/api/courses/generate", token, map[string]string{"topic": "golang", "level": "beginner"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted enqueueResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.ID)

	tk, err := st.Get(context.Background(), accepted.ID)
	require.NoError(t, err)
	require.Equal(t, tasks.TypeCourseGenerate, tk.Type)
	require.Equal(t, "u1", tk.UserID)
	require.Equal(t, 3, tk.MaxAttempts)
}

func TestGenerateCourseRejectsInvalidBody(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	for _, body := range []map[string]string{
		{},
		{"topic": "x"},
		{"topic": "golang", "level": "wizard"},
	} {
		resp := postJSON(t, srv, "/api/courses/generate", token, body)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestSubmitTaskRejectsUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	resp := postJSON(t, srv, "/api/tasks", token, map[string]any{"type": "voice.transcribe"})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, srv, "/api/tasks", token, map[string]any{"type": tasks.TypeCourseGenerate, "payload": map[string]string{"topic": "golang"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestGetTaskScopedToOwner(t *testing.T) {
	srv, _ := newTestServer(t)
	owner := bearerFor(t, srv, "u1")
	other := bearerFor(t, srv, "u2")

	resp := postJSON(t, srv, "/api/courses/generate", owner, map[string]string{"topic": "golang"})
	var accepted enqueueResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()

	resp = getWithToken(t, srv, "/api/tasks/"+accepted.ID, owner)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Another user's token must not see it.
	resp = getWithToken(t, srv, "/api/tasks/"+accepted.ID, other)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = getWithToken(t, srv, "/api/tasks/tsk_missing", owner)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTaskHidesUserlessTasks(t *testing.T) {
	srv, st := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	// Periodic invocations have no owner and must not leak to any user.
	id, err := st.Enqueue(context.Background(), domain.Task{Type: tasks.TypeEventsPrune, Payload: []byte(`{}`)})
	require.NoError(t, err)

	resp := getWithToken(t, srv, "/api/tasks/"+id, token)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskCatalog(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	resp := getWithToken(t, srv, "/api/tasks/catalog", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var defs []struct {
		Name string `json:"name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&defs))
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	require.Contains(t, names, tasks.TypeCourseGenerate)
	require.Contains(t, names, tasks.TypeScheduleGenerate)
}

func TestListCoursesEmptyArray(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	resp := getWithToken(t, srv, "/api/courses", token)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, "[]", buf.String())
}

func TestIdempotencyKeyHeaderDedupes(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerFor(t, srv, "u1")

	send := func() enqueueResp {
		raw, err := json.Marshal(map[string]string{"topic": "golang"})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/courses/generate", bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "retry-123")
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		var accepted enqueueResp
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
		return accepted
	}

	first := send()
	second := send()
	require.Equal(t, first.ID, second.ID)
}
