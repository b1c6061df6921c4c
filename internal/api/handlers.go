package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tutorgo/internal/conversation"
	"tutorgo/internal/extract"
	"tutorgo/internal/ingest"
	"tutorgo/internal/models"
	"tutorgo/internal/observability"
	"tutorgo/internal/stream"
	"tutorgo/internal/worker"
)

// multipartOverhead is the room left for form fields and boundaries on top of the file.
const multipartOverhead = 1 << 20

// Handler wires HTTP routes to the conversation store, the turn bridge and the
// ingestion pipeline.
type Handler struct {
	store      *conversation.Store
	dispatcher *worker.Dispatcher
	tasks      *worker.Registry
	bridge     *stream.Bridge
	pipeline   *ingest.Pipeline
	fileBase   string
	logger     *slog.Logger
}

// Deps are the components a Handler serves.
type Deps struct {
	Store      *conversation.Store
	Dispatcher *worker.Dispatcher
	Tasks      *worker.Registry
	Bridge     *stream.Bridge
	Pipeline   *ingest.Pipeline
	// FileBase is where uploads are kept, one directory per conversation.
	FileBase string
	Logger   *slog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		tasks:      deps.Tasks,
		bridge:     deps.Bridge,
		pipeline:   deps.Pipeline,
		fileBase:   deps.FileBase,
		logger:     logger.With("component", "http"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID(), cors(), accessLog(h.logger))
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/new-conversation", h.newConversation)
	api.GET("/conversations/:id/messages", h.conversationMessages)
	api.GET("/conversations/:id/tasks", h.conversationTasks)
	api.POST("/chat", h.chat)
	api.POST("/upload", h.upload)
	api.GET("/task/:task_id", h.taskStatus)
	api.GET("/analyze-stream/:conversation_id", h.analyzeStream)
}

func (h *Handler) log(c *gin.Context) *slog.Logger {
	return observability.LoggerFromContext(c.Request.Context(), h.logger)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"conversations": h.store.Len(),
		"pending_jobs":  h.dispatcher.Pending(),
		"live_watchers": h.bridge.Hub().Watchers(),
	})
}

func (h *Handler) newConversation(c *gin.Context) {
	conv, err := h.store.Create(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": conv.ID,
		"created_at":      conv.CreatedAt,
	})
}

func (h *Handler) conversationMessages(c *gin.Context) {
	id := c.Param("id")
	msgs, err := h.store.Snapshot(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"messages":        msgs,
	})
}

func (h *Handler) conversationTasks(c *gin.Context) {
	id := c.Param("id")
	if !h.store.Exists(id) {
		abortWithError(c, models.Errorf(models.ErrNotFound, "conversation %s", id))
		return
	}
	tasks := h.tasks.List(c.Request.Context(), id)
	if tasks == nil {
		tasks = make([]models.Task, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"tasks":           tasks,
	})
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	// Stream defaults to true.
	Stream *bool `json:"stream"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.ConversationID = strings.TrimSpace(req.ConversationID)
	if req.ConversationID == "" || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id and message are required"})
		return
	}
	if !h.store.Exists(req.ConversationID) {
		abortWithError(c, models.Errorf(models.ErrNotFound, "conversation %s", req.ConversationID))
		return
	}
	if req.Stream != nil && !*req.Stream {
		h.chatOnce(c, req)
		return
	}

	sse, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	var turnErr error
	err = h.dispatcher.Do(ctx, req.ConversationID, func() {
		if err := sse.sendEvent("ack", gin.H{
			"conversation_id": req.ConversationID,
			"message":         req.Message,
		}); err != nil {
			turnErr = models.Wrap(models.ErrCancelled, err, "receiver gone")
			return
		}
		_, turnErr = h.bridge.Stream(ctx, req.ConversationID, req.Message, chatSink{w: sse})
	})
	if err != nil {
		// the turn never started, so nothing has been written yet
		h.log(c).Warn("chat not dispatched", "conversation_id", req.ConversationID, "error", err)
		abortWithError(c, err)
		return
	}
	if turnErr != nil {
		h.log(c).Warn("chat turn failed", "conversation_id", req.ConversationID, "error_kind", models.KindOf(turnErr), "error", turnErr)
		if !sse.started {
			abortWithError(c, turnErr)
		}
	}
}

func (h *Handler) chatOnce(c *gin.Context, req chatRequest) {
	ctx := c.Request.Context()
	var (
		res     *stream.Result
		turnErr error
	)
	err := h.dispatcher.Do(ctx, req.ConversationID, func() {
		res, turnErr = h.bridge.Stream(ctx, req.ConversationID, req.Message, stream.Discard)
	})
	if err == nil {
		err = turnErr
	}
	if err != nil {
		h.log(c).Warn("chat turn failed", "conversation_id", req.ConversationID, "error_kind", models.KindOf(err), "error", err)
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": req.ConversationID,
		"user_message":    res.UserMessage,
		"ai_message":      res.Reply,
	})
}

func (h *Handler) upload(c *gin.Context) {
	maxBytes := h.pipeline.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)
	if err := c.Request.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWithError(c, models.Errorf(models.ErrTooLarge, "upload exceeds the %d byte limit", maxBytes))
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	filename := sanitizeFilename(file.Filename)
	if filename == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file name is required"})
		return
	}

	ctx := c.Request.Context()
	convID := strings.TrimSpace(c.PostForm("conversation_id"))
	if convID != "" && !h.store.Exists(convID) {
		abortWithError(c, models.Errorf(models.ErrNotFound, "conversation %s", convID))
		return
	}
	format, err := extract.FormatFromFilename(filename)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if file.Size > maxBytes {
		abortWithError(c, models.Errorf(models.ErrTooLarge, "%d bytes exceeds the %d byte limit", file.Size, maxBytes))
		return
	}
	data, err := readUpload(file, maxBytes)
	if err != nil {
		abortWithError(c, err)
		return
	}

	created := false
	if convID == "" {
		conv, err := h.store.Create(ctx)
		if err != nil {
			abortWithError(c, err)
			return
		}
		convID = conv.ID
		created = true
	}

	storedPath, err := h.saveUpload(convID, filename, data)
	if err != nil {
		h.log(c).Error("save upload", "conversation_id", convID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	taskID, err := h.pipeline.Ingest(ctx, ingest.Request{
		ConversationID: convID,
		FileName:       filename,
		Format:         format,
		Data:           data,
		StoredPath:     storedPath,
	})
	if err != nil {
		_ = os.Remove(storedPath)
		abortWithError(c, err)
		return
	}
	if task, err := h.tasks.Status(ctx, taskID); err == nil && task.Payload != nil && task.Payload.StoredPath != storedPath {
		// coalesced into an earlier upload of the same bytes
		_ = os.Remove(storedPath)
	}

	h.log(c).Info("upload accepted", "conversation_id", convID, "task_id", taskID, "format", format, "size", len(data))
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":              taskID,
		"conversation_id":      convID,
		"conversation_created": created,
		"filename":             filename,
		"format":               format,
		"size":                 len(data),
		"status":               models.TaskPending,
	})
}

func readUpload(file *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, models.Wrap(models.ErrValidation, err, "open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
	if err != nil {
		return nil, models.Wrap(models.ErrValidation, err, "read upload")
	}
	if int64(len(data)) > maxBytes {
		return nil, models.Errorf(models.ErrTooLarge, "upload exceeds the %d byte limit", maxBytes)
	}
	return data, nil
}

func (h *Handler) saveUpload(conversationID, filename string, data []byte) (string, error) {
	dir := filepath.Join(h.fileBase, conversationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+"_"+filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// sanitizeFilename keeps the base name and drops characters unsafe in a path.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))
}

func (h *Handler) taskStatus(c *gin.Context) {
	task, err := h.tasks.Status(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *Handler) analyzeStream(c *gin.Context) {
	convID := c.Param("conversation_id")
	if !h.store.Exists(convID) {
		abortWithError(c, models.Errorf(models.ErrNotFound, "conversation %s", convID))
		return
	}
	sse, err := newSSEWriter(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	err = h.bridge.Follow(ctx, convID, func(chunk string) error {
		return sse.sendEvent("stream", gin.H{"content": chunk})
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, models.ErrCancelled) {
			h.log(c).Info("analyze stream ended early", "conversation_id", convID, "error", err)
		}
		sse.sendError(err)
		return
	}
	_ = sse.sendEvent("done", gin.H{"done": true})
}
