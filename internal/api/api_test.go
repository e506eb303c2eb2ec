package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"docqa/internal/chat"
	"docqa/internal/logging"
	"docqa/internal/models"
	"docqa/internal/rag"
	"docqa/internal/util"
)

type fakeUsers struct{}

func (fakeUsers) GetByTokenHash(_ context.Context, hash string) (models.User, error) {
	for _, id := range []int64{7, 8} {
		if hash == util.SHA256Hex([]byte(fmt.Sprintf("token-%d", id))) {
			return models.User{ID: id, IsActive: true}, nil
		}
	}
	return models.User{}, util.ErrUnauthorized
}

type fakeDocs struct {
	mu     sync.Mutex
	docs   map[int64]models.Document
	nextID int64
}

func newFakeDocs() *fakeDocs { return &fakeDocs{docs: map[int64]models.Document{}} }

func (f *fakeDocs) Create(_ context.Context, doc *models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	doc.ID = f.nextID
	f.docs[doc.ID] = *doc
	return nil
}

func (f *fakeDocs) GetForOwner(_ context.Context, id, owner int64) (models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.OwnerID != owner {
		return models.Document{}, fmt.Errorf("document %d: %w", id, util.ErrNotFound)
	}
	return d, nil
}

func (f *fakeDocs) ListByOwner(_ context.Context, owner int64) ([]models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Document{}
	for id := int64(1); id <= f.nextID; id++ {
		if d, ok := f.docs[id]; ok && d.OwnerID == owner {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDocs) Delete(_ context.Context, id, owner int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok || d.OwnerID != owner {
		return false, nil
	}
	delete(f.docs, id)
	return true, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []models.Job
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job models.Job) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.jobs = append(f.jobs, job)
	return int64(len(f.jobs)), nil
}

type fakeEngine struct {
	fragments []string
	err       error
	last      rag.Query
}

func (f *fakeEngine) Answer(_ context.Context, q rag.Query) (rag.Answer, error) {
	f.last = q
	if f.err != nil {
		return rag.Answer{Text: rag.ErrorAnswer, Sources: []models.Source{}}, f.err
	}
	return rag.Answer{
		Text:    strings.Join(f.fragments, ""),
		Sources: []models.Source{{DocumentID: 1, ChunkID: 0, Source: "a.txt", Score: 0.9}},
	}, nil
}

func (f *fakeEngine) AnswerStream(_ context.Context, q rag.Query, emit func(string) error) (rag.Answer, error) {
	f.last = q
	for _, s := range f.fragments {
		if err := emit(s); err != nil {
			return rag.Answer{}, err
		}
	}
	return rag.Answer{Text: strings.Join(f.fragments, ""), Sources: []models.Source{{DocumentID: 1, Source: "a.txt"}}}, f.err
}

type memSessions struct {
	sessions map[string]models.ChatSession
	messages []models.ChatMessage
}

func (m *memSessions) CreateSession(_ context.Context, owner int64, id, title string) (models.ChatSession, error) {
	s := models.ChatSession{SessionID: id, OwnerID: owner, Title: title}
	m.sessions[id] = s
	return s, nil
}

func (m *memSessions) GetSession(_ context.Context, owner int64, id string) (models.ChatSession, error) {
	s, ok := m.sessions[id]
	if !ok || s.OwnerID != owner {
		return models.ChatSession{}, util.ErrNotFound
	}
	return s, nil
}

func (m *memSessions) ListSessions(_ context.Context, owner int64) ([]models.ChatSession, error) {
	out := []models.ChatSession{}
	for _, s := range m.sessions {
		if s.OwnerID == owner {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSessions) AddMessage(_ context.Context, msg *models.ChatMessage) error {
	msg.ID = int64(len(m.messages) + 1)
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memSessions) RecentMessages(ctx context.Context, id string, limit int) ([]models.ChatMessage, error) {
	return m.Messages(ctx, id)
}

func (m *memSessions) Messages(_ context.Context, id string) ([]models.ChatMessage, error) {
	out := []models.ChatMessage{}
	for _, msg := range m.messages {
		if msg.SessionID == id {
			out = append(out, msg)
		}
	}
	return out, nil
}

type harness struct {
	srv      *Server
	docs     *fakeDocs
	queue    *fakeQueue
	engine   *fakeEngine
	sessions *memSessions
	dir      string
	healthy  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		docs:     newFakeDocs(),
		queue:    &fakeQueue{},
		engine:   &fakeEngine{fragments: []string{"Paris ", "is the capital."}},
		sessions: &memSessions{sessions: map[string]models.ChatSession{}},
		dir:      t.TempDir(),
	}
	logger := logging.Discard()
	h.srv = NewServer(Deps{
		Documents: h.docs,
		Users:     fakeUsers{},
		Queue:     h.queue,
		Engine:    h.engine,
		Chat:      chat.NewService(chat.Config{}, h.sessions, h.engine, logger),
		Health: []HealthCheck{
			{Name: "database", Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return h.healthy }},
		},
	}, Options{UploadDir: h.dir, MaxUploadBytes: 1024, Collection: "documents"}, logger)
	return h
}

func (h *harness) do(t *testing.T, req *http.Request, token string) (*http.Response, []byte) {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func uploadRequest(t *testing.T, name string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path string, v any) *http.Request {
	b, _ := json.Marshal(v)
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var out struct {
		Error APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	return out.Error.Code
}

func TestHealthReportsEachService(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"status":"healthy"`)
	require.Contains(t, string(body), `"response_time_ms"`)

	h.healthy = errors.New("dial tcp: connection refused")
	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil), "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, string(body), "unhealthy: dial tcp")
}

func TestRequestsNeedAToken(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/documents", nil), "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "DQ-API-4010", errorCode(t, body))

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/documents", nil), "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUploadStoresFileAndQueuesIndexJob(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, uploadRequest(t, "notes.txt", []byte("hello world")), "token-7")
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "pending", out["status"])
	require.EqualValues(t, 11, out["file_size"])
	require.EqualValues(t, 1, out["document_id"])

	doc := h.docs.docs[1]
	require.Equal(t, int64(7), doc.OwnerID)
	require.Equal(t, "notes.txt", doc.OriginalFilename)
	require.True(t, strings.HasSuffix(doc.Filename, "_notes.txt"))
	require.Equal(t, util.SHA256Hex([]byte("hello world")), doc.Checksum)
	stored, err := os.ReadFile(doc.FilePath)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(stored))

	require.Equal(t, []models.Job{{DocumentID: 1, Action: models.ActionIndex, FilePath: doc.FilePath, Filename: doc.Filename, CollectionName: "documents"}}, h.queue.jobs)
}

func TestUploadRejectsBadFiles(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, uploadRequest(t, "run.exe", []byte("MZ")), "token-7")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "DQ-API-4001", errorCode(t, body))

	resp, body = h.do(t, uploadRequest(t, "big.txt", bytes.Repeat([]byte("x"), 2048)), "token-7")
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Equal(t, "DQ-API-4013", errorCode(t, body))
	require.Empty(t, h.queue.jobs)
}

func TestUploadCleansUpWhenEnqueueFails(t *testing.T) {
	h := newHarness(t)
	h.queue.err = errors.New("dial tcp 127.0.0.1:6379: connection refused")
	resp, _ := h.do(t, uploadRequest(t, "notes.md", []byte("# hi")), "token-7")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Empty(t, h.docs.docs)

	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDocumentsAreScopedToOwner(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"token-7", "token-8"} {
		resp, _ := h.do(t, uploadRequest(t, "a.txt", []byte("x")), token)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	_, body := h.do(t, httptest.NewRequest(http.MethodGet, "/documents", nil), "token-7")
	var docs []models.Document
	require.NoError(t, json.Unmarshal(body, &docs))
	require.Len(t, docs, 1)
	require.Equal(t, int64(1), docs[0].ID)

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/documents/2", nil), "token-7")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "DQ-API-4004", errorCode(t, body))

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/documents/abc", nil), "token-7")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "DQ-API-4003", errorCode(t, body))
}

func TestDeleteQueuesVectorRemovalThenDropsFileAndRow(t *testing.T) {
	h := newHarness(t)
	h.do(t, uploadRequest(t, "a.txt", []byte("x")), "token-7")
	path := h.docs.docs[1].FilePath

	resp, _ := h.do(t, httptest.NewRequest(http.MethodDelete, "/documents/1", nil), "token-8")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Len(t, h.queue.jobs, 1)

	resp, body := h.do(t, httptest.NewRequest(http.MethodDelete, "/documents/1", nil), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.Contains(t, string(body), `"file_deleted":true`)
	require.Equal(t, models.Job{DocumentID: 1, Action: models.ActionDelete, CollectionName: "documents"}, h.queue.jobs[1])
	require.NoFileExists(t, path)
	require.Empty(t, h.docs.docs)
}

func TestDeleteKeepsEverythingWhenEnqueueFails(t *testing.T) {
	h := newHarness(t)
	h.do(t, uploadRequest(t, "a.txt", []byte("x")), "token-7")
	path := h.docs.docs[1].FilePath
	h.queue.err = errors.New("queue down")

	resp, _ := h.do(t, httptest.NewRequest(http.MethodDelete, "/documents/1", nil), "token-7")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.FileExists(t, path)
	require.Len(t, h.docs.docs, 1)
}

func TestQueryReturnsAnswerWithSources(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "capital?"}), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out QueryResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "capital?", out.Query)
	require.Equal(t, "Paris is the capital.", out.Response)
	require.Len(t, out.Sources, 1)
	require.False(t, out.Degraded)
	require.Equal(t, int64(7), h.engine.last.OwnerID)
}

func TestQueryDegradesOnUpstreamFailure(t *testing.T) {
	h := newHarness(t)
	h.engine.err = &util.UpstreamServiceError{Service: util.ServiceCompletion, StatusCode: 503}
	resp, body := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q"}), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out QueryResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.True(t, out.Degraded)
	require.Equal(t, rag.ErrorAnswer, out.Response)
}

func TestQueryValidation(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": ""}), "token-7")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), `"query":"failed on 'required' tag"`)

	resp, body = h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q", "session_id": "nope"}), "token-7")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, string(body), `"session_id"`)

	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	resp, body = h.do(t, req, "token-7")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "DQ-API-4002", errorCode(t, body))
}

func TestQueryUsesSessionHistoryOfOwnerOnly(t *testing.T) {
	h := newHarness(t)
	sid := "6f1c2a9e-3c1b-4f7a-9d8e-2b6a1c0d9e7f"
	_, _ = h.sessions.CreateSession(context.Background(), 7, sid, "t")
	_ = h.sessions.AddMessage(context.Background(), &models.ChatMessage{SessionID: sid, Role: models.RoleUser, Content: "earlier"})

	resp, _ := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q", "session_id": sid}), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "earlier"}}, h.engine.last.History)

	resp, _ = h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q", "session_id": sid}), "token-8")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func sseData(body []byte) []string {
	var out []string
	for _, line := range strings.Split(string(body), "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			out = append(out, rest)
		}
	}
	return out
}

func TestQueryStreamsServerSentEvents(t *testing.T) {
	h := newHarness(t)
	resp, body := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q", "stream": true}), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := sseData(body)
	require.Len(t, frames, 4)
	require.JSONEq(t, `{"type":"chunk","content":"Paris "}`, frames[0])
	require.JSONEq(t, `{"type":"chunk","content":"is the capital."}`, frames[1])
	require.Contains(t, frames[2], `"type":"complete"`)
	require.Contains(t, frames[2], `"source":"a.txt"`)
	require.Equal(t, "[DONE]", frames[3])
}

func TestQueryStreamEndsWithErrorFrame(t *testing.T) {
	h := newHarness(t)
	h.engine.err = &util.UpstreamServiceError{Service: util.ServiceCompletion, StatusCode: 500}
	_, body := h.do(t, jsonRequest(http.MethodPost, "/query", map[string]any{"query": "q", "stream": true}), "token-7")

	frames := sseData(body)
	require.Len(t, frames, 4)
	require.JSONEq(t, fmt.Sprintf(`{"type":"error","message":%q}`, rag.ErrorAnswer), frames[2])
	require.Equal(t, "[DONE]", frames[3])
}

func TestChatSessionEndpoints(t *testing.T) {
	h := newHarness(t)
	_, _ = h.sessions.CreateSession(context.Background(), 7, "s-1", "first")
	_ = h.sessions.AddMessage(context.Background(), &models.ChatMessage{SessionID: "s-1", Role: models.RoleUser, Content: "hi"})

	resp, body := h.do(t, httptest.NewRequest(http.MethodGet, "/chat/sessions", nil), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"session_id":"s-1"`)

	resp, body = h.do(t, httptest.NewRequest(http.MethodGet, "/chat/sessions/s-1/messages", nil), "token-7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"content":"hi"`)

	resp, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/chat/sessions/s-1/messages", nil), "token-8")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/ws", nil), "token-7")
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestToAPIErrorCatalog(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{util.NewValidationError("query", "required"), 400, "DQ-API-4001"},
		{fmt.Errorf("x: %w", util.ErrNotFound), 404, "DQ-API-4004"},
		{util.ErrUnauthorized, 401, "DQ-API-4010"},
		{&util.UpstreamServiceError{Service: util.ServiceEmbedding, StatusCode: 429}, 502, "DQ-API-5020"},
		{errors.New(`ERROR: relation "documents" does not exist`), 500, "DQ-DB-5001"},
		{errors.New("failed to connect to `host=db`"), 503, "DQ-DB-5002"},
		{&util.StorageError{Op: "upsert", Err: errors.New("boom")}, 500, "DQ-DB-5000"},
		{errors.New("boom"), 500, "DQ-API-5000"},
	}
	for _, tc := range cases {
		got := toAPIError(tc.err)
		require.Equal(t, tc.status, got.Status, tc.err.Error())
		require.Equal(t, tc.code, got.Code, tc.err.Error())
	}
}

func TestSaveUploadNamesFileWithUUIDPrefix(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "x.txt")
	_, _ = fw.Write([]byte("abc"))
	require.NoError(t, mw.Close())
	form, err := multipart.NewReader(&buf, mw.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)

	saved, err := saveUpload(dir, "x.txt", form.File["file"][0])
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, saved.Filename), saved.Path)
	require.Len(t, saved.Filename, 36+1+len("x.txt"))
	require.Equal(t, int64(3), saved.Size)
	require.Equal(t, util.SHA256Hex([]byte("abc")), saved.Checksum)
}
