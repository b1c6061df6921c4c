package stream

import (
	"context"

	"tutorgo/internal/models"
)

// Request is what a completion provider sees for one turn.
type Request struct {
	ConversationID string
	History        []models.Message
}

// Fragments is a provider's incremental reply. Recv returns io.EOF after the last
// fragment; Close abandons the sequence early.
type Fragments interface {
	Recv() (string, error)
	Close()
}

// Provider starts a completion for the given history.
type Provider interface {
	Stream(ctx context.Context, req Request) (Fragments, error)
}

// Result describes a committed turn.
type Result struct {
	UserMessage models.Message `json:"user_message"`
	Reply       models.Message `json:"reply"`
	Fragments   int            `json:"fragments"`
}

// Sink receives one turn's fragments in order, then exactly one of Complete or Fail.
// An error from Fragment means the receiver is gone and aborts the turn.
type Sink interface {
	Fragment(text string) error
	Complete(res Result) error
	Fail(err error)
}

type discardSink struct{}

func (discardSink) Fragment(string) error { return nil }
func (discardSink) Complete(Result) error { return nil }
func (discardSink) Fail(error)            {}

// Discard accepts everything and keeps nothing.
var Discard Sink = discardSink{}
