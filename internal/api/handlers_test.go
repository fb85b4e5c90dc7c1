package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpoint/ragserver/internal/auth"
	"github.com/classpoint/ragserver/internal/core"
	"github.com/classpoint/ragserver/internal/index"
	"github.com/classpoint/ragserver/internal/ingest"
)

var testJWTSecret = []byte("handler-test-secret")

type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, float32(len(text)), 1}, nil
}

type cannedCompleter struct {
	reply     string
	fragments []string
}

func (c *cannedCompleter) Complete(ctx context.Context, history []core.Message, opts core.Options) (string, error) {
	return c.reply, nil
}

func (c *cannedCompleter) Stream(ctx context.Context, history []core.Message, opts core.Options) (<-chan string, <-chan error) {
	out := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for _, f := range c.fragments {
			select {
			case out <- f:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

type testServer struct {
	router   http.Handler
	registry *index.Registry
}

// newTestServer wires the full router with an in-memory embedder, a
// document loader that ignores file contents, and a canned completer.
// The user store is not wired; tests mint tokens directly.
func newTestServer(t *testing.T, completer core.Completer) *testServer {
	t.Helper()

	stagingDir := t.TempDir()
	root := t.TempDir()

	staging, err := ingest.NewStagingManager(stagingDir)
	require.NoError(t, err)

	registry := index.NewRegistry()
	embedder := unitEmbedder{}

	loader := func(paths []string) ([]ingest.Document, error) {
		docs := make([]ingest.Document, len(paths))
		for i, path := range paths {
			docs[i] = ingest.Document{
				ID:   filepath.Base(path),
				Path: path,
				Text: "The capital of France is Paris. " + filepath.Base(path),
			}
		}
		return docs, nil
	}

	builder := index.NewBuilder(registry, staging, embedder, root, index.BuilderConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		EmbedTimeout: time.Second,
		Retry:        index.RetryConfig{MaxAttempts: 1},
		Loader:       loader,
	})

	retriever := index.NewRetriever(registry, embedder, root)
	chat := core.NewChatService(retriever, completer, 3)

	handler := NewAPIHandler(nil, staging, registry, builder, chat, testJWTSecret, context.Background())
	return &testServer{router: NewRouter(handler), registry: registry}
}

func (s *testServer) request(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) jsonRequest(t *testing.T, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	require.NoError(t, json.NewEncoder(body).Encode(payload))
	return s.request(t, method, path, token, body, "application/json")
}

func (s *testServer) uploadRequest(t *testing.T, token, datasource string, filenames ...string) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	require.NoError(t, writer.WriteField("datasource_name", datasource))
	for _, name := range filenames {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		fmt.Fprintf(part, "contents of %s", name)
	}
	require.NoError(t, writer.Close())
	return s.request(t, http.MethodPost, "/api/datasources/upload", token, body, writer.FormDataContentType())
}

func mintToken(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := auth.GenerateJWT(testJWTSecret, "user@example.com", role)
	require.NoError(t, err)
	return token
}

// buildDatasource drives upload + create through the API and waits for
// the index to become ready.
func (s *testServer) buildDatasource(t *testing.T, token, name string) {
	t.Helper()
	rec := s.uploadRequest(t, token, name, "notes.pdf")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.jsonRequest(t, http.MethodPost, "/api/datasources", token, map[string]string{"name": name})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		return s.registry.Status(name) == index.StatusReady
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	rec := s.request(t, http.MethodGet, "/api/health", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})

	rec := s.request(t, http.MethodGet, "/api/datasources", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/datasources", "not-a-token", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDatasourceRoleGate(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	student := mintToken(t, auth.RoleStudent)

	rec := s.uploadRequest(t, student, "ds", "a.pdf")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.jsonRequest(t, http.MethodPost, "/api/datasources", student, map[string]string{"name": "ds"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.request(t, http.MethodDelete, "/api/datasources/ds", student, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Read access is not gated by role.
	rec = s.request(t, http.MethodGet, "/api/datasources", student, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDatasourceLifecycle(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	teacher := mintToken(t, auth.RoleTeacher)

	s.buildDatasource(t, teacher, "geography")

	rec := s.request(t, http.MethodGet, "/api/datasources/geography", teacher, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status DatasourceStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, index.StatusReady, status.Status)

	rec = s.request(t, http.MethodGet, "/api/datasources", teacher, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, []string{"geography"}, list["datasources"])

	// Re-uploading for a ready datasource conflicts.
	rec = s.uploadRequest(t, teacher, "geography", "more.pdf")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.request(t, http.MethodDelete, "/api/datasources/geography", teacher, nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.request(t, http.MethodGet, "/api/datasources/geography", teacher, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	teacher := mintToken(t, auth.RoleTeacher)

	rec := s.uploadRequest(t, teacher, "ds", "report.docx")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateWithoutUpload(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	teacher := mintToken(t, auth.RoleTeacher)

	rec := s.jsonRequest(t, http.MethodPost, "/api/datasources", teacher, map[string]string{"name": "nothing-staged"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{reply: "Paris."})
	teacher := mintToken(t, auth.RoleTeacher)
	s.buildDatasource(t, teacher, "geography")

	rec := s.jsonRequest(t, http.MethodPost, "/api/chat", teacher, map[string]any{
		"message":    "What is the capital of France?",
		"datasource": "geography",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp core.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Paris.", resp.Reply)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "What is the capital of France?", resp.History[0].Content)
}

func TestChatMissingDatasource(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	token := mintToken(t, auth.RoleStudent)

	rec := s.jsonRequest(t, http.MethodPost, "/api/chat", token, map[string]any{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatEmptyMessage(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	token := mintToken(t, auth.RoleStudent)

	rec := s.jsonRequest(t, http.MethodPost, "/api/chat", token, map[string]any{
		"message":    "",
		"datasource": "geography",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRejectsEscapingName(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	teacher := mintToken(t, auth.RoleTeacher)

	rec := s.uploadRequest(t, teacher, "../escape", "a.pdf")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.jsonRequest(t, http.MethodPost, "/api/datasources", teacher, map[string]string{"name": "../escape"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUnknownDatasource(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{})
	token := mintToken(t, auth.RoleStudent)

	rec := s.jsonRequest(t, http.MethodPost, "/api/chat", token, map[string]any{
		"message":    "hi",
		"datasource": "missing",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatStream(t *testing.T) {
	s := newTestServer(t, &cannedCompleter{fragments: []string{"The capital ", "is ", "Paris."}})
	teacher := mintToken(t, auth.RoleTeacher)
	s.buildDatasource(t, teacher, "geography")

	rec := s.jsonRequest(t, http.MethodPost, "/api/chat/stream", teacher, map[string]any{
		"message":    "What is the capital of France?",
		"datasource": "geography",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, lines, 4)

	var deltas []string
	for _, line := range lines[:3] {
		var fragment streamFragment
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &fragment))
		deltas = append(deltas, fragment.Delta)
	}
	assert.Equal(t, "The capital is Paris.", strings.Join(deltas, ""))
	assert.Equal(t, "data: [DONE]", lines[3])
}
