package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tutorgo/internal/models"
)

// Journal persists conversations, task transitions and materials as they happen, so
// a restarted server can restore them. It is wired in as an observer of the stores.
type Journal struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

func NewJournal(db *sql.DB, driver string, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, driver: normalizeDriver(driver), logger: logger.With("component", "journal")}
}

func (j *Journal) ConversationCreated(ctx context.Context, conv models.Conversation) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO conversations (id, created_at) VALUES (?, ?)`,
		conv.ID, conv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (j *Journal) MessageAppended(ctx context.Context, conversationID string, msg models.Message) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, msg.Seq, string(msg.Role), msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message %s/%d: %w", conversationID, msg.Seq, err)
	}
	return nil
}

// LoadConversations reads every journaled transcript, messages in sequence order.
func (j *Journal) LoadConversations(ctx context.Context) ([]models.ConversationRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT id, created_at FROM conversations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	var records []models.ConversationRecord
	index := make(map[string]int)
	for rows.Next() {
		var rec models.ConversationRecord
		if err := rows.Scan(&rec.ID, &rec.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		index[rec.ID] = len(records)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	msgRows, err := j.db.QueryContext(ctx, `SELECT conversation_id, seq, role, content, created_at FROM messages ORDER BY conversation_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var (
			convID string
			msg    models.Message
			role   string
		)
		if err := msgRows.Scan(&convID, &msg.Seq, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		i, ok := index[convID]
		if !ok {
			continue
		}
		records[i].Messages = append(records[i].Messages, msg)
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].MessageCount = len(records[i].Messages)
	}
	return records, nil
}

// TaskChanged stores the task snapshot and records the transition that produced it.
func (j *Journal) TaskChanged(ctx context.Context, task models.Task) error {
	payload, err := nullJSON(task.Payload != nil, task.Payload)
	if err != nil {
		return err
	}
	result, err := nullJSON(task.Result != nil, task.Result)
	if err != nil {
		return err
	}

	var upsert string
	if j.driver == "mysql" {
		upsert = `INSERT INTO tasks (id, kind, conversation_id, status, progress, payload, result, error, error_kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE status = VALUES(status), progress = VALUES(progress), result = VALUES(result),
				error = VALUES(error), error_kind = VALUES(error_kind), updated_at = VALUES(updated_at)`
	} else {
		upsert = `INSERT INTO tasks (id, kind, conversation_id, status, progress, payload, result, error, error_kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET status = excluded.status, progress = excluded.progress, result = excluded.result,
				error = excluded.error, error_kind = excluded.error_kind, updated_at = excluded.updated_at`
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsert,
		task.ID, task.Kind, nullString(task.ConversationID), string(task.State), task.Progress,
		payload, result, nullString(task.Error), nullString(task.ErrorKind),
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	at := task.UpdatedAt
	if n := len(task.History); n > 0 {
		at = task.History[n-1].At
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO task_events (task_id, status, at) VALUES (?, ?, ?)`,
		task.ID, string(task.State), at.UTC(),
	); err != nil {
		return fmt.Errorf("insert task event %s: %w", task.ID, err)
	}
	return tx.Commit()
}

// LoadTask reads a journaled task with its transition history.
func (j *Journal) LoadTask(ctx context.Context, id string) (models.Task, bool) {
	task, err := j.loadTask(ctx, id)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			j.logger.WarnContext(ctx, "load task", "task_id", id, "error", err)
		}
		return models.Task{}, false
	}
	return task, true
}

func (j *Journal) loadTask(ctx context.Context, id string) (models.Task, error) {
	var (
		task                                     models.Task
		state                                    string
		convID, payload, result, errMsg, errKind sql.NullString
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT id, kind, conversation_id, status, progress, payload, result, error, error_kind, created_at, updated_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.Kind, &convID, &state, &task.Progress, &payload, &result, &errMsg, &errKind, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	task.State = models.TaskState(state)
	task.ConversationID = convID.String
	task.Error = errMsg.String
	task.ErrorKind = errKind.String
	if payload.Valid {
		task.Payload = &models.FilePayload{}
		if err := json.Unmarshal([]byte(payload.String), task.Payload); err != nil {
			return models.Task{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	if result.Valid {
		task.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), task.Result); err != nil {
			return models.Task{}, fmt.Errorf("decode result: %w", err)
		}
	}

	rows, err := j.db.QueryContext(ctx, `SELECT status, at FROM task_events WHERE task_id = ? ORDER BY id`, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			change models.StateChange
			s      string
		)
		if err := rows.Scan(&s, &change.At); err != nil {
			return models.Task{}, fmt.Errorf("scan task event: %w", err)
		}
		change.State = models.TaskState(s)
		task.History = append(task.History, change)
	}
	return task, rows.Err()
}

func (j *Journal) MaterialSaved(ctx context.Context, m models.Material) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO materials (id, conversation_id, file_name, format, stored_path, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.FileName, m.Format, m.StoredPath, m.Size, m.CreatedAt.UTC(), m.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert material %s: %w", m.ID, err)
	}
	return nil
}

func (j *Journal) MaterialRemoved(ctx context.Context, id string) error {
	if _, err := j.db.ExecContext(ctx, `DELETE FROM materials WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete material %s: %w", id, err)
	}
	return nil
}

// LoadMaterials reads the journaled materials, including expired ones still awaiting cleanup.
func (j *Journal) LoadMaterials(ctx context.Context) ([]models.Material, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, conversation_id, file_name, format, stored_path, size, created_at, expires_at
		FROM materials ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query materials: %w", err)
	}
	defer rows.Close()
	var out []models.Material
	for rows.Next() {
		var m models.Material
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.FileName, &m.Format, &m.StoredPath, &m.Size, &m.CreatedAt, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan material: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(present bool, v any) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode json: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return j.db.PingContext(ctx)
}
