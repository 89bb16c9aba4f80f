package cockroach

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"talklink-backend/internal/domain"
)

// CallRepository handles call session persistence
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create inserts a new call session with its participants
func (r *CallRepository) Create(ctx context.Context, call *domain.CallSession) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (
			call_id, call_type, status, started_at
		) VALUES ($1, $2, $3, $4)
	`

	_, err = tx.Exec(ctx, query,
		call.CallID,
		call.Type,
		call.Status,
		call.StartTime,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	for _, p := range call.Participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO call_participants (call_id, user_id, name, avatar, joined_at)
			VALUES ($1, $2, $3, $4, $5)
		`, call.CallID, p.UserID, p.Name, p.Avatar, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}

	return nil
}

// UpdateStatus updates call status
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	query := `
		UPDATE calls
		SET status = $2
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, status)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	return nil
}

// MarkActive transitions a waiting call to active and stamps the start time,
// so duration counts from acceptance rather than from the invite
func (r *CallRepository) MarkActive(ctx context.Context, callID uuid.UUID, startTime time.Time) error {
	query := `
		UPDATE calls
		SET status = 'active', started_at = $2
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, startTime)
	if err != nil {
		return fmt.Errorf("failed to mark call active: %w", err)
	}

	return nil
}

// EndCall marks a call as ended with the duration computed by the caller
func (r *CallRepository) EndCall(ctx context.Context, callID uuid.UUID, endTime time.Time, durationSeconds int) error {
	query := `
		UPDATE calls
		SET status = 'ended',
		    ended_at = $2,
		    duration = $3
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, endTime, durationSeconds)
	if err != nil {
		return fmt.Errorf("failed to end call: %w", err)
	}

	return nil
}

// SetGrammarFeedback stores the post-call language analysis
func (r *CallRepository) SetGrammarFeedback(ctx context.Context, callID uuid.UUID, feedback *domain.GrammarFeedback) error {
	payload, err := json.Marshal(feedback)
	if err != nil {
		return fmt.Errorf("failed to marshal grammar feedback: %w", err)
	}

	query := `
		UPDATE calls
		SET grammar_feedback = $2
		WHERE call_id = $1
	`

	_, err = r.pool.Exec(ctx, query, callID, payload)
	if err != nil {
		return fmt.Errorf("failed to set grammar feedback: %w", err)
	}

	return nil
}

// GetByID retrieves a call by ID, including its participants
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.CallSession, error) {
	query := `
		SELECT call_id, call_type, status, started_at, ended_at, duration, grammar_feedback
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.CallSession{}
	var feedbackJSON []byte
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.Type,
		&call.Status,
		&call.StartTime,
		&call.EndTime,
		&call.DurationSeconds,
		&feedbackJSON,
	)

	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("call not found")
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	if len(feedbackJSON) > 0 {
		feedback := &domain.GrammarFeedback{}
		if err := json.Unmarshal(feedbackJSON, feedback); err == nil {
			call.GrammarFeedback = feedback
		}
	}

	participants, err := r.GetParticipants(ctx, callID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		call.Participants = append(call.Participants, *p)
	}

	return call, nil
}

// GetUserCalls retrieves calls a user participated in, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	query := `
		SELECT DISTINCT c.call_id, c.call_type, c.status,
		       c.started_at, c.ended_at, c.duration
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.CallSession
	for rows.Next() {
		call := &domain.CallSession{}
		err := rows.Scan(
			&call.CallID,
			&call.Type,
			&call.Status,
			&call.StartTime,
			&call.EndTime,
			&call.DurationSeconds,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}

// CountUserCalls returns the total number of calls a user participated in
func (r *CallRepository) CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `
		SELECT COUNT(DISTINCT c.call_id)
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
	`

	var total int64
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count user calls: %w", err)
	}

	return total, nil
}

// MarkParticipantLeft records when a participant left a call
func (r *CallRepository) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID, leftAt time.Time) error {
	query := `
		UPDATE call_participants
		SET left_at = $3
		WHERE call_id = $1 AND user_id = $2
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, leftAt)
	if err != nil {
		return fmt.Errorf("failed to mark participant left: %w", err)
	}

	return nil
}

// GetParticipants retrieves all participants in a call in join order
func (r *CallRepository) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, name, avatar, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		err := rows.Scan(
			&p.CallID,
			&p.UserID,
			&p.Name,
			&p.Avatar,
			&p.JoinedAt,
			&p.LeftAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, nil
}
