package extract

import (
	"path/filepath"
	"strings"

	"tutorgo/internal/models"
)

// Format tags the document kind an upload is extracted as.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatDOC      Format = "doc"
)

var extensionFormats = map[string]Format{
	".txt":      FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".doc":      FormatDOC,
}

// Formats lists every supported tag.
func Formats() []Format {
	return []Format{FormatText, FormatMarkdown, FormatPDF, FormatDOCX, FormatDOC}
}

// FormatFromFilename maps a file extension to its format tag.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := extensionFormats[ext]; ok {
		return f, nil
	}
	if ext == "" {
		return "", models.Errorf(models.ErrUnsupportedFormat, "%q has no extension", name)
	}
	return "", models.Errorf(models.ErrUnsupportedFormat, "extension %s", ext)
}

// ParseFormat validates an explicit format tag.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats() {
		if f == known {
			return f, nil
		}
	}
	return "", models.Errorf(models.ErrUnsupportedFormat, "format %q", s)
}
