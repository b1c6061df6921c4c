package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"tutorgo/internal/conversation"
	"tutorgo/internal/extract"
	"tutorgo/internal/models"
	"tutorgo/internal/stream"
	"tutorgo/internal/worker"
)

const (
	// MaxUploadBytes is the hard ceiling on an ingested file.
	MaxUploadBytes = 16 << 20
	TaskKind       = "file_ingest"
)

// Analyzer runs one conversation turn, as the streaming bridge does.
type Analyzer interface {
	Stream(ctx context.Context, conversationID, userMessage string, sink stream.Sink) (*stream.Result, error)
}

// MaterialObserver is told when uploaded files start and stop being available.
type MaterialObserver interface {
	MaterialSaved(ctx context.Context, m models.Material) error
	MaterialRemoved(ctx context.Context, id string) error
}

type Request struct {
	ConversationID string
	FileName       string
	Format         extract.Format
	Data           []byte
	// StoredPath is where the upload was written, if it was kept on disk.
	StoredPath string
}

type Config struct {
	MaxBytes     int64
	Analyze      bool
	PreviewChars int
	MaterialTTL  time.Duration
}

// Pipeline turns uploaded files into conversation context through background tasks.
type Pipeline struct {
	store     *conversation.Store
	tasks     *worker.Registry
	extractor *extract.Registry
	analyzer  Analyzer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]string // file identity -> task id

	materialsMu sync.RWMutex
	materials   map[string][]models.Material
	observers   []MaterialObserver
}

func NewPipeline(store *conversation.Store, tasks *worker.Registry, extractor *extract.Registry, analyzer Analyzer, cfg Config, logger *slog.Logger, observers ...MaterialObserver) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBytes <= 0 || cfg.MaxBytes > MaxUploadBytes {
		cfg.MaxBytes = MaxUploadBytes
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = 500
	}
	if cfg.MaterialTTL <= 0 {
		cfg.MaterialTTL = 24 * time.Hour
	}
	return &Pipeline{
		store:     store,
		tasks:     tasks,
		extractor: extractor,
		analyzer:  analyzer,
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		now:       time.Now,
		inflight:  make(map[string]string),
		materials: make(map[string][]models.Material),
		observers: observers,
	}
}

// MaxBytes is the largest upload the pipeline accepts.
func (p *Pipeline) MaxBytes() int64 {
	return p.cfg.MaxBytes
}

// Ingest validates the upload synchronously and schedules its extraction. A file that
// is already being processed for the same conversation returns the existing task id.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (string, error) {
	if !p.store.Exists(req.ConversationID) {
		return "", models.Errorf(models.ErrNotFound, "conversation %s", req.ConversationID)
	}
	if !p.extractor.Supports(req.Format) {
		return "", models.Errorf(models.ErrUnsupportedFormat, "format %q", req.Format)
	}
	if int64(len(req.Data)) > p.cfg.MaxBytes {
		return "", models.Errorf(models.ErrTooLarge, "%d bytes exceeds the %d byte limit", len(req.Data), p.cfg.MaxBytes)
	}

	sum := sha256.Sum256(req.Data)
	digest := hex.EncodeToString(sum[:])
	identity := req.ConversationID + ":" + digest

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.inflight[identity]; ok {
		task, err := p.tasks.Status(ctx, id)
		if err == nil && !task.State.Terminal() {
			p.logger.InfoContext(ctx, "duplicate upload coalesced", "task_id", id, "conversation_id", req.ConversationID)
			return id, nil
		}
		delete(p.inflight, identity)
	}

	id, err := p.tasks.Submit(ctx, worker.TaskSpec{
		Kind:           TaskKind,
		ConversationID: req.ConversationID,
		Payload: &models.FilePayload{
			FileName:   req.FileName,
			Format:     string(req.Format),
			Size:       int64(len(req.Data)),
			SHA256:     digest,
			StoredPath: req.StoredPath,
		},
		Run: p.process(req, identity),
	})
	if err != nil {
		return "", err
	}
	p.inflight[identity] = id
	return id, nil
}

func (p *Pipeline) process(req Request, identity string) worker.TaskFunc {
	return func(ctx context.Context, progress func(int)) (*models.TaskResult, error) {
		defer p.forget(identity)
		text, err := p.extractor.Extract(ctx, req.Format, req.Data)
		if err != nil {
			return nil, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, models.Errorf(models.ErrExtraction, "%s contains no readable text", req.FileName)
		}
		progress(30)

		result := &models.TaskResult{
			ConversationID: req.ConversationID,
			FileName:       req.FileName,
			Characters:     utf8.RuneCountInString(text),
			Preview:        preview(text, p.cfg.PreviewChars),
		}
		prompt := LearningPlanPrompt(req.FileName, text)

		if !p.cfg.Analyze || p.analyzer == nil {
			if _, err := p.store.Append(ctx, req.ConversationID, models.Message{Role: models.RoleUser, Content: prompt}); err != nil {
				return nil, err
			}
		} else {
			progress(50)
			res, err := p.analyzer.Stream(ctx, req.ConversationID, prompt, stream.Discard)
			if err != nil {
				return nil, err
			}
			progress(90)
			result.Reply = res.Reply.Content
		}

		if req.StoredPath != "" {
			p.addMaterial(ctx, req)
		}
		return result, nil
	}
}

// forget drops the file identity once its task body has returned. Ingest holds p.mu
// from submit until the identity is recorded, so this never runs before it.
func (p *Pipeline) forget(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, identity)
}

// LearningPlanPrompt is the user turn that introduces an uploaded document.
func LearningPlanPrompt(fileName, text string) string {
	return fmt.Sprintf("Please analyze the following course material (%s) and propose a learning plan:\n\n%s", fileName, text)
}

func preview(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + "..."
}

func (p *Pipeline) addMaterial(ctx context.Context, req Request) {
	now := p.now().UTC()
	m := models.Material{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		FileName:       req.FileName,
		Format:         string(req.Format),
		StoredPath:     req.StoredPath,
		Size:           int64(len(req.Data)),
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.cfg.MaterialTTL),
	}
	p.materialsMu.Lock()
	p.materials[m.ConversationID] = append(p.materials[m.ConversationID], m)
	p.materialsMu.Unlock()

	for _, o := range p.observers {
		if err := o.MaterialSaved(ctx, m); err != nil {
			p.logger.Warn("material observer failed", "material_id", m.ID, "error", err)
		}
	}
}

// RestoreMaterials reloads journaled uploads whose conversation still exists. Expired
// ones are kept so the next cleanup removes their files.
func (p *Pipeline) RestoreMaterials(list []models.Material) int {
	p.materialsMu.Lock()
	defer p.materialsMu.Unlock()
	restored := 0
	for _, m := range list {
		if !p.store.Exists(m.ConversationID) {
			continue
		}
		p.materials[m.ConversationID] = append(p.materials[m.ConversationID], m)
		restored++
	}
	return restored
}

// Materials lists the conversation's unexpired uploads, oldest first.
func (p *Pipeline) Materials(conversationID string) []models.Material {
	now := p.now().UTC()
	p.materialsMu.RLock()
	defer p.materialsMu.RUnlock()
	var out []models.Material
	for _, m := range p.materials[conversationID] {
		if m.ExpiresAt.After(now) {
			out = append(out, m)
		}
	}
	return out
}

// Material finds one of the conversation's unexpired uploads.
func (p *Pipeline) Material(conversationID, id string) (models.Material, bool) {
	for _, m := range p.Materials(conversationID) {
		if m.ID == id {
			return m, true
		}
	}
	return models.Material{}, false
}
