package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/loader/file"
	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"tutorgo/internal/config"
	"tutorgo/internal/extract"
	"tutorgo/internal/models"
)

// InitTools builds the tools enabled in cfg. Tools that cannot be set up are skipped.
func InitTools(ctx context.Context, cfg config.ToolsConfig, materials MaterialSource, extractor *extract.Registry, logger *slog.Logger) []tool.BaseTool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ai_tools")

	var tools []tool.BaseTool
	if cfg.WebSearch {
		if ws := InitWebSearch(ctx, logger); ws != nil {
			tools = append(tools, ws)
		}
	}
	if cfg.MaterialReader && materials != nil && extractor != nil {
		if mr := initMaterialReader(ctx, materials, extractor, logger); mr != nil {
			tools = append(tools, mr)
		}
	}
	return tools
}

func InitWebSearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	googleTool := InitGooglesearch(ctx, logger)
	duckTool := InitDDGsearch(ctx, logger)
	if googleTool == nil && duckTool == nil {
		logger.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		logger:     logger,
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for background on a study topic; " +
			"falls back to another provider if needed; " +
			"fetches the page directly when given a URL.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	logger     *slog.Logger
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		content, err := w.fetchURL(ctx, query)
		if err == nil {
			return content, nil
		}
		w.logger.WarnContext(ctx, "web url loader failed", "error", err)
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		result, err := w.google.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.WarnContext(ctx, "google search failed", "error", err)
	}

	if w.duck != nil {
		result, err := w.duck.InvokableRun(ctx, payload)
		if err == nil {
			return result, nil
		}
		w.logger.WarnContext(ctx, "duckduckgo search failed", "error", err)
	}

	return "", errors.New("no search provider succeeded")
}

// materialReader lets the tutor quote uploaded course material in chunks.
type materialReader struct {
	loader    document.Loader
	materials MaterialSource
	limiter   *toolRateLimiter
	logger    *slog.Logger
}

type materialReaderParams struct {
	MaterialID string `json:"material_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
	ChunkSize  int    `json:"chunk_size,omitempty"`
}

func initMaterialReader(ctx context.Context, materials MaterialSource, extractor *extract.Registry, logger *slog.Logger) tool.InvokableTool {
	reader, err := newMaterialReader(ctx, materials, extractor, logger)
	if err != nil {
		logger.Warn("material reader disabled", "error", err)
		return nil
	}
	info := &schema.ToolInfo{
		Name: "material_reader",
		Desc: "Read the learner's uploaded course material in small chunks. Provide the material_id listed in the system instructions " +
			"(defaults to the latest upload) and an optional chunk_index / chunk_size; limit 3 calls per minute per conversation.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"material_id": {
				Desc:     "ID of the material to read, provided in the system instructions.",
				Type:     schema.String,
				Required: false,
			},
			"chunk_index": {
				Desc:     "Zero-based chunk index to read, default 0.",
				Type:     schema.Integer,
				Required: false,
			},
			"chunk_size": {
				Desc:     fmt.Sprintf("Number of characters per chunk (%d-%d, default %d).", MaterialChunkSizeMin, MaterialChunkSizeMax, MaterialChunkSizeDefault),
				Type:     schema.Integer,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, reader.run)
}

func newMaterialReader(ctx context.Context, materials MaterialSource, extractor *extract.Registry, logger *slog.Logger) (*materialReader, error) {
	parserExt, err := extractor.ExtParser(ctx)
	if err != nil {
		return nil, err
	}
	loader, err := file.NewFileLoader(ctx, &file.FileLoaderConfig{
		UseNameAsID: true,
		Parser:      parserExt,
	})
	if err != nil {
		return nil, err
	}
	return &materialReader{
		loader:    loader,
		materials: materials,
		limiter:   newToolRateLimiter(MaterialRateLimit, MaterialRateWindow),
		logger:    logger,
	}, nil
}

func (t *materialReader) run(ctx context.Context, params *materialReaderParams) (string, error) {
	if params == nil {
		params = &materialReaderParams{}
	}
	conversationID, ok := ConversationFromContext(ctx)
	if !ok {
		return "", errors.New("material reader called outside a conversation")
	}
	list := t.materials.Materials(conversationID)
	if len(list) == 0 {
		return "", errors.New("no materials uploaded for this conversation")
	}
	target, err := pickMaterial(list, params.MaterialID)
	if err != nil {
		return "", err
	}
	if !t.limiter.Allow("conversation:" + conversationID) {
		return "", errors.New("material reader rate limit exceeded, please retry in a minute")
	}

	docs, err := t.loader.Load(ctx, document.Source{URI: target.StoredPath})
	if err != nil {
		return "", fmt.Errorf("load file: %w", err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" {
		return fmt.Sprintf("File: %s has no readable text content.", target.FileName), nil
	}

	chunkSize := params.ChunkSize
	if chunkSize <= 0 || chunkSize > MaterialChunkSizeMax {
		chunkSize = MaterialChunkSizeDefault
	}
	if chunkSize < MaterialChunkSizeMin {
		chunkSize = MaterialChunkSizeMin
	}
	chunkIndex := params.ChunkIndex
	if chunkIndex < 0 {
		chunkIndex = 0
	}
	runes := []rune(text)
	totalChunks := (len(runes) + chunkSize - 1) / chunkSize
	if chunkIndex >= totalChunks {
		chunkIndex = totalChunks - 1
	}
	start := chunkIndex * chunkSize
	end := start + chunkSize
	if end > len(runes) {
		end = len(runes)
	}
	t.logger.DebugContext(ctx, "material chunk read", "conversation_id", conversationID, "material_id", target.ID, "chunk", chunkIndex)
	return fmt.Sprintf("File: %s\nChunk %d/%d\n\n%s", target.FileName, chunkIndex+1, totalChunks, string(runes[start:end])), nil
}

func pickMaterial(list []models.Material, id string) (models.Material, error) {
	if id == "" {
		return list[len(list)-1], nil
	}
	for _, m := range list {
		if m.ID == id {
			return m, nil
		}
	}
	return models.Material{}, errors.New("material not found in current conversation")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, duckConfig)
	if err != nil {
		logger.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(ctx context.Context, logger *slog.Logger) tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		logger.Info("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		logger.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}
