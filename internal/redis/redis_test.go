package redis

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"tutorgo/internal/config"
	"tutorgo/internal/models"
)

func TestHistoryMirrorKeepsCommitOrder(t *testing.T) {
	client := newTestClient(t)
	mirror := NewHistoryMirror(client)
	ctx := context.Background()

	conv := models.Conversation{ID: "conv-1", CreatedAt: time.Now().UTC()}
	if err := mirror.ConversationCreated(ctx, conv); err != nil {
		t.Fatalf("mirror conversation: %v", err)
	}
	for i, text := range []string{"hello", "hi there"} {
		role := models.RoleUser
		if i == 1 {
			role = models.RoleAssistant
		}
		if err := mirror.MessageAppended(ctx, conv.ID, models.Message{Seq: i, Role: role, Content: text}); err != nil {
			t.Fatalf("mirror message %d: %v", i, err)
		}
	}

	got, err := mirror.History(ctx, conv.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || got[0].Content != "hello" || got[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected mirrored history %#v", got)
	}
	ttl, err := client.Raw().TTL(ctx, historyKey(conv.ID)).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected history ttl, got %v (%v)", ttl, err)
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	client, err := NewRedisClient(config.RedisConfig{Host: host, Port: port, DB: db})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Raw().FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}
