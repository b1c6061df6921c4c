package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"tutorgo/internal/models"
	"tutorgo/internal/stream"
)

var errStreamingUnsupported = errors.New("streaming not supported")

// sseWriter writes server-sent events, sending the headers with the first event.
type sseWriter struct {
	c       *gin.Context
	flusher http.Flusher
	started bool
}

func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	return &sseWriter{c: c, flusher: flusher}, nil
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	w.started = true
	w.c.Writer.Header().Set("Content-Type", "text/event-stream")
	w.c.Writer.Header().Set("Cache-Control", "no-cache")
	w.c.Writer.Header().Set("Connection", "keep-alive")
	w.c.Writer.Header().Set("X-Accel-Buffering", "no")
	w.c.Status(http.StatusOK)
}

func (w *sseWriter) sendEvent(event string, payload interface{}) error {
	w.start()
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		data, err = json.Marshal(v)
		if err != nil {
			return err
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(w.c.Writer, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w.c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) sendError(err error) {
	_ = w.sendEvent("error", gin.H{"error": err.Error(), "kind": models.KindOf(err)})
}

// chatSink relays one turn to the client as stream events followed by done or error.
type chatSink struct {
	w *sseWriter
}

var _ stream.Sink = chatSink{}

func (s chatSink) Fragment(text string) error {
	if err := s.w.c.Request.Context().Err(); err != nil {
		return err
	}
	return s.w.sendEvent("stream", gin.H{"content": text})
}

func (s chatSink) Complete(res stream.Result) error {
	return s.w.sendEvent("done", gin.H{
		"done":         true,
		"user_message": res.UserMessage,
		"ai_message":   res.Reply,
	})
}

func (s chatSink) Fail(err error) {
	s.w.sendError(err)
}
