package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"

	"tutorgo/internal/models"
)

// Registry maps each format tag to the parser that extracts it.
type Registry struct {
	parsers map[Format]parser.Parser
}

func NewRegistry() *Registry {
	return &Registry{parsers: map[Format]parser.Parser{
		FormatText:     plainTextParser{},
		FormatMarkdown: markdownParser{},
		FormatPDF:      pdfParser{},
		FormatDOCX:     docxParser{},
		FormatDOC:      legacyDocParser{},
	}}
}

// Supports reports whether f has an extractor.
func (r *Registry) Supports(f Format) bool {
	_, ok := r.parsers[f]
	return ok
}

// Extract returns the plain text of data read as format f.
func (r *Registry) Extract(ctx context.Context, f Format, data []byte) (string, error) {
	p, ok := r.parsers[f]
	if !ok {
		return "", models.Errorf(models.ErrUnsupportedFormat, "format %q", f)
	}
	docs, err := p.Parse(ctx, bytes.NewReader(data))
	if err != nil {
		return "", models.Wrap(models.ErrExtraction, err, string(f))
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		if content := strings.TrimSpace(doc.Content); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// ExtParser exposes the same variants keyed by file extension, for eino's file loader.
func (r *Registry) ExtParser(ctx context.Context) (*parser.ExtParser, error) {
	byExt := make(map[string]parser.Parser, len(extensionFormats))
	for ext, f := range extensionFormats {
		byExt[ext] = r.parsers[f]
	}
	return parser.NewExtParser(ctx, &parser.ExtParserConfig{
		Parsers:        byExt,
		FallbackParser: plainTextParser{},
	})
}

// singleDocument reads the whole input, converts it and wraps the result as one document.
func singleDocument(reader io.Reader, opts []parser.Option, convert func([]byte) (string, error)) ([]*schema.Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	text, err := convert(data)
	if err != nil {
		return nil, err
	}
	options := parser.GetCommonOptions(&parser.Options{}, opts...)
	meta := make(map[string]any, len(options.ExtraMeta)+1)
	for k, v := range options.ExtraMeta {
		meta[k] = v
	}
	if options.URI != "" {
		meta["_source"] = options.URI
	}
	return []*schema.Document{{Content: text, MetaData: meta}}, nil
}
