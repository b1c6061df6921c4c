package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"unicode"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// minTextRun is the shortest character run kept by the legacy scanner.
const minTextRun = 8

// legacyDocParser recovers text from Word 97-2003 files by scanning the OLE container
// for runs of readable characters, in either UTF-16LE or 8-bit storage.
type legacyDocParser struct{}

func (legacyDocParser) Parse(ctx context.Context, reader io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	return singleDocument(reader, opts, legacyDocText)
}

func legacyDocText(data []byte) (string, error) {
	if !bytes.HasPrefix(data, oleMagic) {
		return "", errors.New("not an OLE compound document")
	}
	body := data[len(oleMagic):]
	wide := scanRuns(body, 2, func(b []byte) rune { return rune(b[0]) | rune(b[1])<<8 })
	narrow := scanRuns(body, 1, func(b []byte) rune { return rune(b[0]) })
	if len(wide) >= len(narrow) {
		return wide, nil
	}
	return narrow, nil
}

func scanRuns(data []byte, width int, decode func([]byte) rune) string {
	var (
		out strings.Builder
		run []rune
	)
	flush := func() {
		if countLetters(run) >= minTextRun {
			out.WriteString(strings.TrimSpace(string(run)))
			out.WriteByte('\n')
		}
		run = run[:0]
	}
	for i := 0; i+width <= len(data); i += width {
		r := decode(data[i : i+width])
		switch {
		case r == '\r' || r == '\n':
			run = append(run, '\n')
		case r == '\t':
			run = append(run, ' ')
		case readable(r, width):
			run = append(run, r)
		default:
			flush()
		}
	}
	flush()
	return strings.TrimSpace(out.String())
}

func readable(r rune, width int) bool {
	if width == 1 {
		return r >= 0x20 && r < 0x7F
	}
	if r < 0x20 || !unicode.IsPrint(r) {
		return false
	}
	return r < 0x0250 ||
		(r >= 0x2000 && r <= 0x206F) ||
		unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul, unicode.Cyrillic, unicode.Greek)
}

func countLetters(run []rune) int {
	n := 0
	for _, r := range run {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
