package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/minio/minio-go/v7"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punypage/punypage/internal/agent"
	"github.com/punypage/punypage/internal/chat"
	"github.com/punypage/punypage/internal/config"
	"github.com/punypage/punypage/internal/db"
	"github.com/punypage/punypage/internal/model"
	"github.com/punypage/punypage/internal/observability"
	"github.com/punypage/punypage/internal/rag"
	"github.com/punypage/punypage/internal/service"
)

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, req agent.Request, emit func(agent.Event)) (*agent.Result, error) {
	emit(agent.Event{Type: agent.EventText, Text: "Hello "})
	emit(agent.Event{Type: agent.EventText, Text: "there"})
	return &agent.Result{SDKSessionID: req.SDKSessionID, Text: "Hello there"}, nil
}

type catEmbedder struct{}

func (catEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		out[i] = []float32{float32(strings.Count(t, "cat")), float32(strings.Count(t, "dog")), 0.01}
	}
	return out, nil
}

type memoryObjects struct {
	keys []string
}

func (m *memoryObjects) PutObject(_ context.Context, _, key string, r io.Reader, size int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	_, _ = io.Copy(io.Discard, r)
	m.keys = append(m.keys, key)
	return minio.UploadInfo{Key: key, Size: size}, nil
}

type testApp struct {
	srv     *httptest.Server
	objects *memoryObjects
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	cfg := &config.Config{
		Environment:       "test",
		FrontendURL:       "http://localhost:5500",
		ChatRatePerMinute: 100,
		InternalSecret:    "internal-secret",
	}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	docs := service.NewDocumentService(database, nil)
	local := service.NewAuthService(database, 24)
	objects := &memoryObjects{}
	store := rag.NewSQLStore(database)
	chatSvc := chat.NewService(chat.Deps{Store: service.NewChatStore(database), Docs: docs, Runner: echoRunner{}, Metrics: metrics})
	t.Cleanup(func() { _ = chatSvc.Shutdown(context.Background()) })

	h := New(Deps{
		Config:    cfg,
		Metrics:   metrics,
		Validate:  local.ValidateToken,
		LocalAuth: local,
		Documents: docs,
		Exporter:  service.NewExporter(docs, objects, "exports", nil),
		Chat:      chatSvc,
		Searcher:  rag.NewSearcher(store, catEmbedder{}, nil),
		Ingest:    rag.NewPipeline(docs, store, catEmbedder{}, rag.EstimateCounter{}, 2, nil, metrics),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testApp{srv: srv, objects: objects}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func (a *testApp) register(t *testing.T, email string) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": email, "password": "secret123"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["token"].(string)
}

func (a *testApp) createDoc(t *testing.T, token, title, content string) string {
	t.Helper()
	resp, body := a.do(t, http.MethodPost, "/api/documents", token, map[string]any{"title": title, "content": content})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return body["document"].(map[string]any)["id"].(string)
}

func TestRoutesRegistered(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	defer database.Close()

	local := service.NewAuthService(database, 24)
	h := New(Deps{Config: &config.Config{}, Validate: local.ValidateToken, LocalAuth: local})
	routes, ok := h.(chi.Routes)
	require.True(t, ok, "router does not implement chi.Routes")

	registered := map[string]bool{}
	require.NoError(t, chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		registered[fmt.Sprintf("%s %s", method, route)] = true
		return nil
	}))

	for _, route := range []string{
		"GET /api/health",
		"GET /metrics",
		"POST /api/auth/register",
		"POST /api/auth/login",
		"POST /api/auth/logout",
		"GET /api/auth/me",
		"GET /api/documents",
		"POST /api/documents",
		"GET /api/documents/tree",
		"GET /api/documents/{id}",
		"PATCH /api/documents/{id}",
		"DELETE /api/documents/{id}",
		"POST /api/documents/{id}/export",
		"GET /api/chat/stream",
		"GET /api/chat/ws",
		"POST /api/chat/interrupt",
		"GET /api/chat/sessions/{documentID}",
		"POST /api/v1/documents/search",
		"POST /api/v1/documents/ingest",
		"GET /api/v1/documents/health",
		"POST /internal/rag/ingest",
	} {
		assert.True(t, registered[route], "missing route %s", route)
	}
}

func TestLocalAuthRoutesOnlyInLocalMode(t *testing.T) {
	h := New(Deps{Config: &config.Config{}, Validate: func(context.Context, string) (*model.AuthUser, error) { return nil, nil }})
	routes := h.(chi.Routes)
	_ = chi.Walk(routes, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		assert.NotEqual(t, "/api/auth/register", route)
		return nil
	})
}

func TestHealthAndAuthFlow(t *testing.T) {
	app := newTestApp(t)

	resp, body := app.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["environment"])
	_, err := time.Parse(time.RFC3339, body["timestamp"].(string))
	assert.NoError(t, err)

	resp, body = app.do(t, http.MethodGet, "/api/documents", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "E_UNAUTHORIZED", body["error"].(map[string]any)["code"])

	resp, body = app.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "a@example.com", "password": "123"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"].(map[string]any)["message"], "password")

	token := app.register(t, "a@example.com")
	resp, _ = app.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "a@example.com", "password": "secret123"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = app.do(t, http.MethodGet, "/api/auth/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a@example.com", body["email"])

	resp, body = app.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@example.com", "password": "wrong-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, body = app.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "a@example.com", "password": "secret123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := body["token"].(string)

	resp, _ = app.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = app.do(t, http.MethodGet, "/api/auth/me", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = app.do(t, http.MethodGet, "/api/auth/me", second, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocumentRoutes(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "docs@example.com")
	other := app.register(t, "other@example.com")

	resp, _ := app.do(t, http.MethodPost, "/api/documents", token, map[string]any{"title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = app.do(t, http.MethodPost, "/api/documents", token, map[string]any{"title": "x", "status": "secret"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := app.do(t, http.MethodPost, "/api/documents", token, map[string]any{"title": "AI", "path": "/", "is_folder": true})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	docID := app.createDoc(t, token, "Notes", "hello")

	resp, body = app.do(t, http.MethodGet, "/api/documents?is_folder=true", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["documents"], 1)
	resp, _ = app.do(t, http.MethodGet, "/api/documents?is_folder=maybe", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = app.do(t, http.MethodGet, "/api/documents/tree", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["tree"], 2)

	resp, _ = app.do(t, http.MethodPatch, "/api/documents/"+docID, token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, body = app.do(t, http.MethodPatch, "/api/documents/"+docID, token, map[string]any{"title": "Renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Renamed", body["document"].(map[string]any)["title"])

	resp, _ = app.do(t, http.MethodGet, "/api/documents/"+docID, other, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = app.do(t, http.MethodPost, "/api/documents/"+docID+"/export", token, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "exports", body["bucket"])
	require.Len(t, app.objects.keys, 1)
	assert.Equal(t, body["key"], app.objects.keys[0])

	resp, _ = app.do(t, http.MethodDelete, "/api/documents/"+docID, token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = app.do(t, http.MethodGet, "/api/documents/"+docID, token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatStreamSSE(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "chat@example.com")
	docID := app.createDoc(t, token, "Notes", "hello")

	resp, _ := app.do(t, http.MethodGet, "/api/chat/stream?message=hi&sdkSessionId=not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = app.do(t, http.MethodGet, "/api/chat/stream?message=", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	long := strings.Repeat("a", 50001)
	resp, _ = app.do(t, http.MethodGet, "/api/chat/stream?message="+long, token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, app.srv.URL+"/api/chat/stream?"+url.Values{
		"message":    {"What is this?"},
		"documentId": {docID},
	}.Encode(), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	stream, err := app.srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	assert.Equal(t, "no", stream.Header.Get("X-Accel-Buffering"))

	raw, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "event: message\ndata: {\"content\":\"Hello \",\"role\":\"assistant\"}\n\n")
	assert.Contains(t, text, "event: done\ndata: {\"sdkSessionId\":\"")
	assert.NotContains(t, text, "event: error")

	resp, body := app.do(t, http.MethodGet, "/api/chat/sessions/"+docID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "What is this?", msgs[0].(map[string]any)["content"])
	assert.Equal(t, "Hello there", msgs[1].(map[string]any)["content"])

	resp, _ = app.do(t, http.MethodPost, "/api/chat/interrupt", token, map[string]string{"session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readFrame(t *testing.T, conn *websocket.Conn) chat.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f chat.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestChatWebSocket(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "ws@example.com")
	docID := app.createDoc(t, token, "Notes", "hello")
	_, body := app.do(t, http.MethodGet, "/api/chat/sessions/"+docID, token, nil)
	room := body["session"].(map[string]any)["id"].(string)

	wsURL := "ws" + strings.TrimPrefix(app.srv.URL, "http") + "/api/chat/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+url.QueryEscape(token), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(chat.ClientFrame{Type: "message", Content: "hi"}))
	assert.Equal(t, chat.FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(chat.ClientFrame{Type: "join", RoomID: "unknown"}))
	assert.Equal(t, chat.FrameError, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(chat.ClientFrame{Type: "join", RoomID: room}))
	joined := readFrame(t, conn)
	assert.Equal(t, chat.FrameJoined, joined.Type)
	assert.Equal(t, room, joined.RoomID)

	require.NoError(t, conn.WriteJSON(chat.ClientFrame{Type: "message", Content: "hello"}))
	var types []string
	var text strings.Builder
	for {
		f := readFrame(t, conn)
		types = append(types, f.Type)
		if f.Type == chat.FrameMessage {
			text.WriteString(f.Content)
		}
		if f.Type == chat.FrameDone || f.Type == chat.FrameError {
			break
		}
	}
	assert.Equal(t, []string{chat.FrameMessage, chat.FrameMessage, chat.FrameSDKSessionID, chat.FrameDone}, types)
	assert.Equal(t, "Hello there", text.String())

	require.NoError(t, conn.WriteJSON(chat.ClientFrame{Type: "bogus"}))
	assert.Equal(t, chat.FrameError, readFrame(t, conn).Type)
}

func TestRAGRoutes(t *testing.T) {
	app := newTestApp(t)
	token := app.register(t, "rag@example.com")
	app.createDoc(t, token, "Pets", "cats are great")

	resp, body := app.do(t, http.MethodPost, "/api/v1/documents/ingest", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Ingestion completed: 1 processed, 0 failed", body["message"])

	resp, _ = app.do(t, http.MethodPost, "/api/v1/documents/search", token, map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = app.do(t, http.MethodPost, "/api/v1/documents/search", token, map[string]any{"query": "cat", "limit": 50})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = app.do(t, http.MethodPost, "/api/v1/documents/search", token, map[string]any{"query": "cat", "similarity_threshold": 0.5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cat", body["query"])
	assert.Equal(t, 1.0, body["count"])
	result := body["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "Pets", result["document_title"])

	resp, body = app.do(t, http.MethodGet, "/api/v1/documents/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}

func TestInternalIngestRequiresSecret(t *testing.T) {
	app := newTestApp(t)

	resp, _ := app.do(t, http.MethodPost, "/internal/rag/ingest", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, app.srv.URL+"/internal/rag/ingest", nil)
	require.NoError(t, err)
	req.Header.Set("X-Internal-Secret", "internal-secret")
	ok, err := app.srv.Client().Do(req)
	require.NoError(t, err)
	ok.Body.Close()
	assert.Equal(t, http.StatusOK, ok.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t)
	app.do(t, http.MethodGet, "/api/health", "", nil)

	want := `punypage_http_requests_total{method="GET",route="/api/health",status="200"} 1`
	require.Eventually(t, func() bool {
		resp, err := app.srv.Client().Get(app.srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(raw), want)
	}, 2*time.Second, 20*time.Millisecond)
}
