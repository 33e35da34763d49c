package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CanvasTx is the transaction-scoped view of one canvas. Callers perform
// every read they need before issuing any write; implementations may rely on
// that ordering.
type CanvasTx interface {
	// Reads.
	HasIdempotencyKey(ctx context.Context, key string) (bool, error)
	GetCanvas(ctx context.Context) (Canvas, error)
	GetCard(ctx context.Context, cardID string) (Card, error)
	ListCardsByGroup(ctx context.Context, groupID string) ([]Card, error)
	ListSetTargets(ctx context.Context, exerciseID string, setIndex int) ([]Card, error)
	ListTopicSiblings(ctx context.Context, topicKey string) ([]Card, error)
	ListRecentEvents(ctx context.Context, limit int) ([]Event, error)

	// Writes.
	InsertCard(ctx context.Context, card Card) error
	UpdateCardStatus(ctx context.Context, cardID, status string) error
	UpdateCardMeta(ctx context.Context, cardID string, meta CardMeta) error
	UpdateCardContent(ctx context.Context, cardID string, content json.RawMessage) error
	DeleteCard(ctx context.Context, cardID string) error
	Enqueue(ctx context.Context, cardID string, priority int) error
	Dequeue(ctx context.Context, cardIDs ...string) error
	SetCanvasState(ctx context.Context, phase string, version int64) error
	InsertIdempotencyKey(ctx context.Context, key string) error
	InsertEvent(ctx context.Context, event Event) error
	InsertWorkoutSet(ctx context.Context, set WorkoutSet) error
	InsertWorkoutLog(ctx context.Context, entry WorkoutLogEntry) error
}

// WithCanvasTx runs fn inside one transaction scoped to a single canvas.
// Any error from fn rolls the whole transaction back.
func (s *PostgresStore) WithCanvasTx(ctx context.Context, userID, canvasID string, fn func(tx CanvasTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin canvas tx: %w", err)
	}
	wrapped := &pgCanvasTx{tx: tx, userID: userID, canvasID: canvasID}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit canvas tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateCanvas(ctx context.Context, canvas Canvas) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvases (user_id, id, phase, version, purpose)
		VALUES ($1, $2, $3, $4, $5)
	`, canvas.UserID, canvas.ID, canvas.Phase, canvas.Version, canvas.Purpose)
	if err != nil {
		return fmt.Errorf("insert canvas: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCanvas(ctx context.Context, userID, canvasID string) (Canvas, error) {
	var canvas Canvas
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, id, phase, version, purpose, created_at, updated_at
		FROM canvases
		WHERE user_id=$1 AND id=$2
	`, userID, canvasID).Scan(&canvas.UserID, &canvas.ID, &canvas.Phase, &canvas.Version, &canvas.Purpose, &canvas.CreatedAt, &canvas.UpdatedAt)
	if err != nil {
		return Canvas{}, err
	}
	return canvas, nil
}

const cardColumns = `user_id, canvas_id, id, type, status, lane, content, refs, meta, by_actor, created_at, updated_at`

func scanCard(row interface{ Scan(...any) error }) (Card, error) {
	var card Card
	var content, refs, meta []byte
	if err := row.Scan(
		&card.UserID, &card.CanvasID, &card.ID, &card.Type, &card.Status, &card.Lane,
		&content, &refs, &meta, &card.By, &card.CreatedAt, &card.UpdatedAt,
	); err != nil {
		return Card{}, err
	}
	card.Content = json.RawMessage(content)
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &card.Refs); err != nil {
			return Card{}, fmt.Errorf("decode card refs: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &card.Meta); err != nil {
			return Card{}, fmt.Errorf("decode card meta: %w", err)
		}
	}
	return card, nil
}

func collectCards(rows *sql.Rows) ([]Card, error) {
	defer rows.Close()
	items := make([]Card, 0)
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		items = append(items, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListCards(ctx context.Context, userID, canvasID string) ([]Card, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id=$1 AND canvas_id=$2
		ORDER BY created_at ASC
	`, userID, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return collectCards(rows)
}

func (s *PostgresStore) ListQueue(ctx context.Context, userID, canvasID string) ([]UpNextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, priority, inserted_at
		FROM up_next
		WHERE user_id=$1 AND canvas_id=$2
		ORDER BY priority DESC, inserted_at ASC
	`, userID, canvasID)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	items := make([]UpNextEntry, 0)
	for rows.Next() {
		var item UpNextEntry
		if err := rows.Scan(&item.CardID, &item.Priority, &item.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID, canvasID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, canvas_id, type, payload, correlation_id, created_at
		FROM events
		WHERE user_id=$1 AND canvas_id=$2
		ORDER BY id DESC
		LIMIT $3
	`, userID, canvasID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var item Event
		var payload []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.CanvasID, &item.Type, &payload, &item.CorrelationID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

// TrimQueue deletes the lowest-ranked entries beyond cap, ranking by
// (priority desc, inserted_at asc). It is idempotent and safe to skip.
func (s *PostgresStore) TrimQueue(ctx context.Context, userID, canvasID string, cap int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM up_next
		WHERE user_id=$1 AND canvas_id=$2 AND card_id IN (
			SELECT card_id FROM up_next
			WHERE user_id=$1 AND canvas_id=$2
			ORDER BY priority DESC, inserted_at ASC
			OFFSET $3
		)
		RETURNING card_id
	`, userID, canvasID, cap)
	if err != nil {
		return nil, fmt.Errorf("trim queue: %w", err)
	}
	defer rows.Close()

	removed := make([]string, 0)
	for rows.Next() {
		var cardID string
		if err := rows.Scan(&cardID); err != nil {
			return nil, fmt.Errorf("scan trimmed entry: %w", err)
		}
		removed = append(removed, cardID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trimmed entries: %w", err)
	}
	return removed, nil
}

// InsertEvent writes an event outside any canvas transaction. Used for
// best-effort failure events where no transaction survives.
func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (user_id, canvas_id, type, payload, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
	`, event.UserID, event.CanvasID, event.Type, payload, event.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

type pgCanvasTx struct {
	tx       *sql.Tx
	userID   string
	canvasID string
}

func (t *pgCanvasTx) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM idempotency_keys WHERE user_id=$1 AND canvas_id=$2 AND key=$3)
	`, t.userID, t.canvasID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

// GetCanvas locks the canvas row for the duration of the transaction, so
// concurrent appliers against the same canvas serialize here.
func (t *pgCanvasTx) GetCanvas(ctx context.Context) (Canvas, error) {
	var canvas Canvas
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, id, phase, version, purpose, created_at, updated_at
		FROM canvases
		WHERE user_id=$1 AND id=$2
		FOR UPDATE
	`, t.userID, t.canvasID).Scan(&canvas.UserID, &canvas.ID, &canvas.Phase, &canvas.Version, &canvas.Purpose, &canvas.CreatedAt, &canvas.UpdatedAt)
	if err != nil {
		return Canvas{}, err
	}
	return canvas, nil
}

func (t *pgCanvasTx) GetCard(ctx context.Context, cardID string) (Card, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id=$1 AND canvas_id=$2 AND id=$3
	`, t.userID, t.canvasID, cardID)
	return scanCard(row)
}

func (t *pgCanvasTx) ListCardsByGroup(ctx context.Context, groupID string) ([]Card, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id=$1 AND canvas_id=$2 AND meta->>'group_id'=$3
		ORDER BY created_at ASC
	`, t.userID, t.canvasID, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group cards: %w", err)
	}
	return collectCards(rows)
}

func (t *pgCanvasTx) ListSetTargets(ctx context.Context, exerciseID string, setIndex int) ([]Card, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id=$1 AND canvas_id=$2 AND type='set_target'
			AND refs->>'exercise_id'=$3 AND (refs->>'set_index')::int=$4
			AND status IN ('proposed', 'active', 'accepted')
		ORDER BY created_at ASC
	`, t.userID, t.canvasID, exerciseID, setIndex)
	if err != nil {
		return nil, fmt.Errorf("list set targets: %w", err)
	}
	return collectCards(rows)
}

func (t *pgCanvasTx) ListTopicSiblings(ctx context.Context, topicKey string) ([]Card, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+cardColumns+`
		FROM cards
		WHERE user_id=$1 AND canvas_id=$2 AND lane='analysis'
			AND refs->>'topic_key'=$3
			AND status IN ('proposed', 'active', 'accepted')
		ORDER BY created_at ASC
	`, t.userID, t.canvasID, topicKey)
	if err != nil {
		return nil, fmt.Errorf("list topic siblings: %w", err)
	}
	return collectCards(rows)
}

func (t *pgCanvasTx) ListRecentEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, canvas_id, type, payload, correlation_id, created_at
		FROM events
		WHERE user_id=$1 AND canvas_id=$2
		ORDER BY id DESC
		LIMIT $3
	`, t.userID, t.canvasID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0, limit)
	for rows.Next() {
		var item Event
		var payload []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.CanvasID, &item.Type, &payload, &item.CorrelationID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &item.Payload); err != nil {
				return nil, fmt.Errorf("decode recent event payload: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent events: %w", err)
	}
	return items, nil
}

func (t *pgCanvasTx) InsertCard(ctx context.Context, card Card) error {
	refs, err := json.Marshal(card.Refs)
	if err != nil {
		return fmt.Errorf("encode card refs: %w", err)
	}
	meta, err := json.Marshal(card.Meta)
	if err != nil {
		return fmt.Errorf("encode card meta: %w", err)
	}
	content := card.Content
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO cards (user_id, canvas_id, id, type, status, lane, content, refs, meta, by_actor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.userID, t.canvasID, card.ID, card.Type, card.Status, card.Lane, []byte(content), refs, meta, card.By)
	if err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) UpdateCardStatus(ctx context.Context, cardID, status string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cards SET status=$4, updated_at=NOW()
		WHERE user_id=$1 AND canvas_id=$2 AND id=$3
	`, t.userID, t.canvasID, cardID, status)
	if err != nil {
		return fmt.Errorf("update card status: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) UpdateCardMeta(ctx context.Context, cardID string, meta CardMeta) error {
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode card meta: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE cards SET meta=$4, updated_at=NOW()
		WHERE user_id=$1 AND canvas_id=$2 AND id=$3
	`, t.userID, t.canvasID, cardID, encoded)
	if err != nil {
		return fmt.Errorf("update card meta: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) UpdateCardContent(ctx context.Context, cardID string, content json.RawMessage) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE cards SET content=$4, updated_at=NOW()
		WHERE user_id=$1 AND canvas_id=$2 AND id=$3
	`, t.userID, t.canvasID, cardID, []byte(content))
	if err != nil {
		return fmt.Errorf("update card content: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) DeleteCard(ctx context.Context, cardID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM cards WHERE user_id=$1 AND canvas_id=$2 AND id=$3
	`, t.userID, t.canvasID, cardID)
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) Enqueue(ctx context.Context, cardID string, priority int) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO up_next (user_id, canvas_id, card_id, priority)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, canvas_id, card_id) DO UPDATE SET priority=EXCLUDED.priority
	`, t.userID, t.canvasID, cardID, priority)
	if err != nil {
		return fmt.Errorf("enqueue card: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) Dequeue(ctx context.Context, cardIDs ...string) error {
	if len(cardIDs) == 0 {
		return nil
	}
	for _, cardID := range cardIDs {
		if _, err := t.tx.ExecContext(ctx, `
			DELETE FROM up_next WHERE user_id=$1 AND canvas_id=$2 AND card_id=$3
		`, t.userID, t.canvasID, cardID); err != nil {
			return fmt.Errorf("dequeue card: %w", err)
		}
	}
	return nil
}

func (t *pgCanvasTx) SetCanvasState(ctx context.Context, phase string, version int64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE canvases SET phase=$3, version=$4, updated_at=NOW()
		WHERE user_id=$1 AND id=$2
	`, t.userID, t.canvasID, phase, version)
	if err != nil {
		return fmt.Errorf("update canvas state: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) InsertIdempotencyKey(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (user_id, canvas_id, key)
		VALUES ($1, $2, $3)
	`, t.userID, t.canvasID, key)
	if err != nil {
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) InsertEvent(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO events (user_id, canvas_id, type, payload, correlation_id)
		VALUES ($1, $2, $3, $4, $5)
	`, t.userID, t.canvasID, event.Type, payload, event.CorrelationID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) InsertWorkoutSet(ctx context.Context, set WorkoutSet) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO workout_sets (id, user_id, workout_id, exercise_id, set_index, reps, rir, weight_kg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, set.ID, set.UserID, set.WorkoutID, set.ExerciseID, set.SetIndex, set.Reps, set.RIR, set.WeightKG)
	if err != nil {
		return fmt.Errorf("insert workout set: %w", err)
	}
	return nil
}

func (t *pgCanvasTx) InsertWorkoutLog(ctx context.Context, entry WorkoutLogEntry) error {
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode workout log detail: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workout_log (id, user_id, workout_id, kind, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.ID, entry.UserID, entry.WorkoutID, entry.Kind, detail)
	if err != nil {
		return fmt.Errorf("insert workout log: %w", err)
	}
	return nil
}
