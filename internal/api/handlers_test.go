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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"tutorgo/internal/conversation"
	"tutorgo/internal/extract"
	"tutorgo/internal/ingest"
	"tutorgo/internal/models"
	"tutorgo/internal/stream"
	"tutorgo/internal/worker"
)

type mockProvider struct {
	mu        sync.Mutex
	fragments []string
	startErr  error
}

func (p *mockProvider) set(fragments []string, startErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragments = fragments
	p.startErr = startErr
}

func (p *mockProvider) Stream(_ context.Context, _ stream.Request) (stream.Fragments, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return nil, p.startErr
	}
	return &mockFragments{items: append([]string(nil), p.fragments...)}, nil
}

type mockFragments struct {
	items []string
}

func (f *mockFragments) Recv() (string, error) {
	if len(f.items) == 0 {
		return "", io.EOF
	}
	next := f.items[0]
	f.items = f.items[1:]
	return next, nil
}

func (f *mockFragments) Close() {}

type testServer struct {
	router   *gin.Engine
	store    *conversation.Store
	provider *mockProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := conversation.NewStore(nil)
	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 16}, nil)
	registry := worker.NewRegistry(dispatcher, nil)
	t.Cleanup(registry.Close)

	provider := &mockProvider{fragments: []string{"Hello", " learner"}}
	bridge := stream.NewBridge(store, provider, nil, stream.Config{}, nil)
	pipeline := ingest.NewPipeline(store, registry, extract.NewRegistry(), bridge, ingest.Config{MaxBytes: 4096, Analyze: true}, nil)

	handler := NewHandler(Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Tasks:      registry,
		Bridge:     bridge,
		Pipeline:   pipeline,
		FileBase:   t.TempDir(),
	})
	router := gin.New()
	handler.RegisterRoutes(router)
	return &testServer{router: router, store: store, provider: provider}
}

func (s *testServer) newConversation(t *testing.T) string {
	t.Helper()
	resp := doJSONRequest(t, s.router, http.MethodPost, "/api/new-conversation", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.ConversationID == "" {
		t.Fatalf("expected conversation id")
	}
	return body.ConversationID
}

func (s *testServer) messages(t *testing.T, convID string) []models.Message {
	t.Helper()
	resp := doJSONRequest(t, s.router, http.MethodGet, "/api/conversations/"+convID+"/messages", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	return body.Messages
}

func TestChatStreamsAndCommits(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": convID,
		"message":         "teach me cells",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	events := parseSSE(t, resp.Body.String())
	names := eventNames(events)
	if strings.Join(names, ",") != "ack,stream,stream,done" {
		t.Fatalf("unexpected events %v", names)
	}
	var ack struct {
		Message string `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ack)
	if ack.Message != "teach me cells" {
		t.Fatalf("ack payload mismatch: %q", ack.Message)
	}
	var streamed strings.Builder
	for _, evt := range events[1:3] {
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &chunk)
		streamed.WriteString(chunk.Content)
	}
	var done struct {
		AI models.Message `json:"ai_message"`
	}
	decodeJSON(t, []byte(events[3].Data), &done)
	if done.AI.Content != streamed.String() || done.AI.Content != "Hello learner" {
		t.Fatalf("committed reply %q does not match streamed %q", done.AI.Content, streamed.String())
	}

	msgs := srv.messages(t, convID)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Content != "Hello learner" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

func TestChatNonStreaming(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": convID,
		"message":         "hi",
		"stream":          false,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		AI models.Message `json:"ai_message"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.AI.Content != "Hello learner" || body.AI.Role != models.RoleAssistant {
		t.Fatalf("unexpected reply %+v", body.AI)
	}
}

func TestChatValidation(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)

	cases := []struct {
		name string
		body any
		want int
	}{
		{"missing message", map[string]any{"conversation_id": convID}, http.StatusBadRequest},
		{"missing conversation", map[string]any{"message": "hi"}, http.StatusBadRequest},
		{"blank message", map[string]any{"conversation_id": convID, "message": "   "}, http.StatusBadRequest},
		{"unknown conversation", map[string]any{"conversation_id": "nope", "message": "hi"}, http.StatusNotFound},
		{"invalid body", "not-json", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", tc.body, nil)
			assertStatus(t, resp, tc.want)
		})
	}
	if msgs := srv.messages(t, convID); len(msgs) != 0 {
		t.Fatalf("rejected requests must not touch history, got %d messages", len(msgs))
	}
}

func TestChatProviderFailure(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)
	srv.provider.set(nil, errors.New("upstream unavailable"))

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": convID,
		"message":         "hello?",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if strings.Join(eventNames(events), ",") != "ack,error" {
		t.Fatalf("unexpected events %v", eventNames(events))
	}
	var failure struct {
		Kind string `json:"kind"`
	}
	decodeJSON(t, []byte(events[1].Data), &failure)
	if failure.Kind != "provider" {
		t.Fatalf("expected provider error kind, got %q", failure.Kind)
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/api/chat", map[string]any{
		"conversation_id": convID,
		"message":         "still there?",
		"stream":          false,
	}, nil)
	assertStatus(t, resp, http.StatusBadGateway)

	msgs := srv.messages(t, convID)
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleUser {
		t.Fatalf("failed turns keep only user messages, got %+v", msgs)
	}
}

func TestUploadAnalyzeAndReplay(t *testing.T) {
	srv := newTestServer(t)
	srv.provider.set([]string{strings.Repeat("plan ", 20)}, nil)

	resp := postMultipart(t, srv.router, "notes.md", []byte("# Cells\n\nThe basic unit of life."), nil)
	assertStatus(t, resp, http.StatusAccepted)
	var accepted struct {
		TaskID         string `json:"task_id"`
		ConversationID string `json:"conversation_id"`
		Created        bool   `json:"conversation_created"`
		Status         string `json:"status"`
	}
	decodeJSON(t, resp.Body.Bytes(), &accepted)
	if accepted.TaskID == "" || accepted.ConversationID == "" || !accepted.Created || accepted.Status != "pending" {
		t.Fatalf("unexpected upload response %s", resp.Body.String())
	}

	task := waitForTask(t, srv.router, accepted.TaskID)
	if task.State != models.TaskSucceeded || task.Result == nil || task.Progress != 100 {
		t.Fatalf("unexpected task %+v", task)
	}
	if !strings.Contains(task.Result.Preview, "The basic unit of life.") {
		t.Fatalf("preview missing text: %q", task.Result.Preview)
	}

	msgs := srv.messages(t, accepted.ConversationID)
	if len(msgs) != 2 || !strings.Contains(msgs[0].Content, "notes.md") || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected history after analysis %+v", msgs)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+accepted.ConversationID+"/tasks", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Tasks []models.Task `json:"tasks"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Tasks) != 1 || list.Tasks[0].ID != accepted.TaskID {
		t.Fatalf("unexpected task list %+v", list.Tasks)
	}

	replay := doJSONRequest(t, srv.router, http.MethodGet, "/api/analyze-stream/"+accepted.ConversationID, nil, nil)
	assertStatus(t, replay, http.StatusOK)
	events := parseSSE(t, replay.Body.String())
	if len(events) != 3 || events[2].Name != "done" {
		t.Fatalf("expected two chunks and done, got %v", eventNames(events))
	}
	var joined strings.Builder
	for _, evt := range events[:2] {
		var chunk struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(evt.Data), &chunk)
		joined.WriteString(chunk.Content)
	}
	if joined.String() != msgs[1].Content {
		t.Fatalf("replay mismatch: %q", joined.String())
	}
}

func TestUploadIntoExistingConversation(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)

	resp := postMultipart(t, srv.router, "broken.pdf", []byte("%PDF-1.4 not really"), map[string]string{"conversation_id": convID})
	assertStatus(t, resp, http.StatusAccepted)
	var accepted struct {
		TaskID         string `json:"task_id"`
		ConversationID string `json:"conversation_id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &accepted)
	if accepted.ConversationID != convID {
		t.Fatalf("expected upload into %s, got %s", convID, accepted.ConversationID)
	}
	task := waitForTask(t, srv.router, accepted.TaskID)
	if task.State != models.TaskFailed || task.ErrorKind != "extraction" {
		t.Fatalf("expected extraction failure, got %+v", task)
	}
	if msgs := srv.messages(t, convID); len(msgs) != 0 {
		t.Fatalf("failed extraction must not touch history, got %+v", msgs)
	}
}

func TestUploadRejections(t *testing.T) {
	srv := newTestServer(t)
	convID := srv.newConversation(t)

	assertStatus(t, postMultipart(t, srv.router, "slides.pptx", []byte("x"), nil), http.StatusUnsupportedMediaType)
	assertStatus(t, postMultipart(t, srv.router, "notes.txt", []byte("x"), map[string]string{"conversation_id": "missing"}), http.StatusNotFound)
	assertStatus(t, postMultipart(t, srv.router, "big.txt", bytes.Repeat([]byte("a"), 8192), map[string]string{"conversation_id": convID}), http.StatusRequestEntityTooLarge)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("conversation_id", convID)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assertStatus(t, rec, http.StatusBadRequest)

	if n := srv.store.Len(); n != 1 {
		t.Fatalf("rejected uploads must not create conversations, have %d", n)
	}
	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/"+convID+"/tasks", nil, nil)
	assertStatus(t, listResp, http.StatusOK)
	if !strings.Contains(listResp.Body.String(), `"tasks":[]`) {
		t.Fatalf("rejected uploads must not create tasks: %s", listResp.Body.String())
	}
}

func TestLookupsAndMiddleware(t *testing.T) {
	srv := newTestServer(t)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/task/unknown", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/unknown/messages", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/unknown/tasks", nil, nil), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/analyze-stream/unknown", nil, nil), http.StatusNotFound)

	convID := srv.newConversation(t)
	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/analyze-stream/"+convID, nil, nil)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("expected a single error event, got %v", eventNames(events))
	}

	health := doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, map[string]string{requestIDHeader: "req-42"})
	assertStatus(t, health, http.StatusOK)
	if got := health.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
	if health.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}

	preflight := doJSONRequest(t, srv.router, http.MethodOptions, "/api/chat", nil, nil)
	assertStatus(t, preflight, http.StatusNoContent)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.Errorf(models.ErrNotFound, "x"):          http.StatusNotFound,
		models.Errorf(models.ErrUnsupportedFormat, "x"): http.StatusUnsupportedMediaType,
		models.Errorf(models.ErrTooLarge, "x"):          http.StatusRequestEntityTooLarge,
		models.Errorf(models.ErrValidation, "x"):        http.StatusBadRequest,
		models.Errorf(models.ErrOverloaded, "x"):        http.StatusTooManyRequests,
		models.Errorf(models.ErrTimeout, "x"):           http.StatusGatewayTimeout,
		models.Errorf(models.ErrProvider, "x"):          http.StatusBadGateway,
		models.Errorf(models.ErrCancelled, "x"):         statusClientClosedRequest,
		fmt.Errorf("wrapped: %w", worker.ErrDispatcherClosed): http.StatusServiceUnavailable,
		errors.New("boom"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"notes.txt":              "notes.txt",
		"../../etc/passwd":       "passwd",
		`C:\Users\me\lesson.pdf`: "lesson.pdf",
		"what?.md":               "what_.md",
		"/":                      "",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitForTask(t *testing.T, router *gin.Engine, taskID string) models.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp := doJSONRequest(t, router, http.MethodGet, "/api/task/"+taskID, nil, nil)
		assertStatus(t, resp, http.StatusOK)
		var task models.Task
		decodeJSON(t, resp.Body.Bytes(), &task)
		if task.State.Terminal() {
			return task
		}
		if time.Now().After(deadline) {
			t.Fatalf("task %s still %s", taskID, task.State)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, evt := range events {
		names = append(names, evt.Name)
	}
	return names
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case nil:
	case string:
		buf.WriteString(v)
	default:
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postMultipart(t *testing.T, router *gin.Engine, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}
