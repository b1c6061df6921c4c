package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// plainTextParser is eino's TextParser with UTF-8 validation in front of it.
type plainTextParser struct{}

func (plainTextParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return nil, errors.New("text is not valid UTF-8")
	}
	return parser.TextParser{}.Parse(ctx, bytes.NewReader(data), opts...)
}
