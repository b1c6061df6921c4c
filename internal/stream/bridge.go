package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"tutorgo/internal/conversation"
	"tutorgo/internal/models"
)

type Config struct {
	// StallTimeout bounds the wait for each next fragment.
	StallTimeout time.Duration
	// TurnTimeout bounds a whole turn.
	TurnTimeout     time.Duration
	ReplayChunkSize int
	ReplayDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.StallTimeout <= 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 5 * time.Minute
	}
	if c.ReplayChunkSize <= 0 {
		c.ReplayChunkSize = 50
	}
	if c.ReplayDelay < 0 {
		c.ReplayDelay = 0
	}
	return c
}

// Bridge runs conversation turns against a completion provider. The assistant reply it
// commits is exactly the concatenation of the fragments it delivered; a turn that does
// not reach the end of the provider's sequence commits no reply.
type Bridge struct {
	store    *conversation.Store
	provider Provider
	hub      *Hub
	cfg      Config
	logger   *slog.Logger
}

func NewBridge(store *conversation.Store, provider Provider, hub *Hub, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Bridge{
		store:    store,
		provider: provider,
		hub:      hub,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "stream_bridge"),
	}
}

// Hub returns the hub live turns are published on.
func (b *Bridge) Hub() *Hub {
	return b.hub
}

type recvResult struct {
	text string
	err  error
}

// Stream appends userMessage to the conversation, relays the provider's reply to sink
// fragment by fragment and commits the full reply once the provider finishes.
func (b *Bridge) Stream(ctx context.Context, conversationID, userMessage string, sink Sink) (*Result, error) {
	if sink == nil {
		sink = Discard
	}
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.ErrCancelled, err, "turn not started")
	}

	release, err := b.store.AcquireTurn(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	userMsg, err := b.store.Append(ctx, conversationID, models.Message{Role: models.RoleUser, Content: userMessage})
	if err != nil {
		return nil, err
	}
	history, err := b.store.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	logger := b.logger.With("conversation_id", conversationID)
	turnCtx, cancel := context.WithTimeout(ctx, b.cfg.TurnTimeout)
	defer cancel()

	frags, err := b.provider.Stream(turnCtx, Request{ConversationID: conversationID, History: history})
	if err != nil {
		failure := b.classify(ctx, turnCtx, models.Wrap(models.ErrProvider, err, "start completion"))
		logger.Warn("completion did not start", "error", failure)
		sink.Fail(failure)
		return nil, failure
	}
	defer frags.Close()

	b.hub.begin(conversationID)
	results := make(chan recvResult)
	go func() {
		for {
			text, err := frags.Recv()
			select {
			case results <- recvResult{text: text, err: err}:
			case <-turnCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var (
		reply strings.Builder
		count int
	)
	// stall only runs while waiting on the provider, never while the sink is writing
	stall := time.NewTimer(b.cfg.StallTimeout)
	defer stall.Stop()

	fail := func(failure error, notifySink bool) (*Result, error) {
		cancel()
		b.hub.finish(conversationID, failure)
		if notifySink {
			sink.Fail(failure)
		}
		logger.Warn("turn aborted", "fragments", count, "error_kind", models.KindOf(failure), "error", failure)
		return nil, failure
	}

	for {
		select {
		case <-turnCtx.Done():
			return fail(b.classify(ctx, turnCtx, nil), true)
		case <-stall.C:
			return fail(models.Errorf(models.ErrTimeout, "no fragment for %s", b.cfg.StallTimeout), true)
		case r := <-results:
			if errors.Is(r.err, io.EOF) {
				return b.commit(ctx, conversationID, userMsg, reply.String(), count, sink, logger)
			}
			if r.err != nil {
				return fail(b.classify(ctx, turnCtx, models.Wrap(models.ErrProvider, r.err, "receive fragment")), true)
			}
			if r.text == "" {
				stall.Reset(b.cfg.StallTimeout)
				continue
			}
			stall.Stop()
			reply.WriteString(r.text)
			count++
			b.hub.publish(conversationID, r.text)
			if err := sink.Fragment(r.text); err != nil {
				return fail(models.Wrap(models.ErrCancelled, err, "receiver gone"), false)
			}
			stall.Reset(b.cfg.StallTimeout)
		}
	}
}

func (b *Bridge) commit(ctx context.Context, conversationID string, userMsg models.Message, content string, count int, sink Sink, logger *slog.Logger) (*Result, error) {
	stored, err := b.store.Append(context.WithoutCancel(ctx), conversationID, models.Message{Role: models.RoleAssistant, Content: content})
	if err != nil {
		b.hub.finish(conversationID, err)
		sink.Fail(err)
		return nil, err
	}
	b.hub.finish(conversationID, nil)

	res := Result{UserMessage: userMsg, Reply: stored, Fragments: count}
	if err := sink.Complete(res); err != nil {
		logger.Debug("sink gone before completion notice", "error", err)
	}
	logger.Info("turn committed", "fragments", count, "reply_chars", utf8.RuneCountInString(content))
	return &res, nil
}

// classify turns the end of a turn context into a cancellation or a timeout. cause is
// returned unchanged when neither context has ended.
func (b *Bridge) classify(ctx, turnCtx context.Context, cause error) error {
	if err := ctx.Err(); err != nil {
		return models.Wrap(models.ErrCancelled, err, "turn cancelled")
	}
	if err := turnCtx.Err(); err != nil {
		return models.Wrap(models.ErrTimeout, err, "turn exceeded "+b.cfg.TurnTimeout.String())
	}
	return cause
}
