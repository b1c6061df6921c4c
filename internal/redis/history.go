package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tutorgo/internal/models"
)

const historyTTL = 24 * time.Hour

// HistoryMirror copies committed conversation messages into redis lists so other
// processes can read a transcript without going through this one.
type HistoryMirror struct {
	client *Client
	ttl    time.Duration
}

func NewHistoryMirror(client *Client) *HistoryMirror {
	return &HistoryMirror{client: client, ttl: historyTTL}
}

func historyKey(conversationID string) string {
	return fmt.Sprintf("tutor:history:%s", conversationID)
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("tutor:conversation:%s", conversationID)
}

func (m *HistoryMirror) ConversationCreated(ctx context.Context, conv models.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return m.client.Set(ctx, conversationKey(conv.ID), data, m.ttl)
}

func (m *HistoryMirror) MessageAppended(ctx context.Context, conversationID string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.client.AppendList(ctx, historyKey(conversationID), m.ttl, data)
}

// History reads back the mirrored transcript.
func (m *HistoryMirror) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	raw, err := m.client.ListRange(ctx, historyKey(conversationID), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode mirrored message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}
