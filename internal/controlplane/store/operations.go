package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packpool/packpool/internal/protocol"
)

const (
	defaultOpLimit = 50
	maxOpListLimit = 500
)

const opColumns = `id, pool_id, endpoint_id, type, status, progress, plan, applied, error, created_at, started_at, completed_at`

// OperationQuery controls filtering for operation history lookups.
type OperationQuery struct {
	EndpointID    string
	PoolID        string
	Status        OperationStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	Limit         int
}

// legal operation state machine transitions
var opTransitions = map[OperationStatus][]OperationStatus{
	OpPending:    {OpInProgress, OpCancelled, OpFailed},
	OpInProgress: {OpCompleted, OpFailed, OpCancelled},
}

func transitionAllowed(from, to OperationStatus) bool {
	for _, s := range opTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreateOperation appends a new pending operation. The one-active-operation
// invariant per endpoint is enforced by the engine: a second active
// operation is rejected as a conflict, never queued silently.
func (s *Store) CreateOperation(op SyncOperation) (*SyncOperation, error) {
	if op.PoolID == "" || op.EndpointID == "" {
		return nil, fmt.Errorf("%w: operation needs pool and endpoint", ErrValidation)
	}
	switch op.Type {
	case OpSyncToLatest, OpSetAsLatest, OpRevert, OpAnalysis:
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrValidation, op.Type)
	}

	op.ID = uuid.NewString()
	op.Status = OpPending
	op.Progress = 0
	op.CreatedAt = time.Now().UTC()

	var plan []byte
	if op.Plan != nil {
		plan, _ = json.Marshal(op.Plan)
	}
	_, err := s.db.Exec(`INSERT INTO sync_operations (id, pool_id, endpoint_id, type, status, progress, plan, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		op.ID, op.PoolID, op.EndpointID, string(op.Type), string(op.Status),
		nullableJSON(plan), fmtTime(op.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: endpoint %s already has an active operation", ErrConflict, op.EndpointID)
		}
		return nil, fmt.Errorf("insert operation: %w", err)
	}
	return &op, nil
}

// GetOperation returns an operation by id.
func (s *Store) GetOperation(id string) (*SyncOperation, error) {
	return scanOperation(s.db.QueryRow(`SELECT `+opColumns+` FROM sync_operations WHERE id = ?`, id))
}

// ActiveOperation returns the endpoint's non-terminal operation, if any.
func (s *Store) ActiveOperation(endpointID string) (*SyncOperation, error) {
	return scanOperation(s.db.QueryRow(`SELECT `+opColumns+` FROM sync_operations
		WHERE endpoint_id = ? AND status IN ('pending', 'in_progress')`, endpointID))
}

// TransitionOperation moves an operation through the state machine,
// verifying the current status in the same statement so concurrent
// transitions cannot both win. Illegal transitions are conflicts.
func (s *Store) TransitionOperation(id string, from, to OperationStatus, errDetail string) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: illegal transition %s -> %s", ErrConflict, from, to)
	}

	now := fmtTime(time.Now().UTC())
	var res sql.Result
	var err error
	switch {
	case to == OpInProgress:
		res, err = s.db.Exec(`UPDATE sync_operations SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(to), now, id, string(from))
	case to.Terminal():
		res, err = s.db.Exec(`UPDATE sync_operations SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = ?`,
			string(to), errDetail, now, id, string(from))
	default:
		res, err = s.db.Exec(`UPDATE sync_operations SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return fmt.Errorf("transition operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, gerr := s.GetOperation(id)
		if gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: operation %s is %s, not %s", ErrConflict, id, cur.Status, from)
	}
	return nil
}

// RecordProgress updates progress percentage and the applied-unit log for
// an in-flight operation. Status reads are always served from this record,
// never from the in-flight execution call.
func (s *Store) RecordProgress(id string, progress int, applied []protocol.Action) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	appliedJSON, _ := json.Marshal(applied)
	res, err := s.db.Exec(`UPDATE sync_operations SET progress = ?, applied = ? WHERE id = ?`,
		progress, string(appliedJSON), id)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return nil
}

// ListOperations returns operation history, newest first.
func (s *Store) ListOperations(q OperationQuery) ([]*SyncOperation, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if q.EndpointID != "" {
		clauses = append(clauses, "endpoint_id = ?")
		args = append(args, q.EndpointID)
	}
	if q.PoolID != "" {
		clauses = append(clauses, "pool_id = ?")
		args = append(args, q.PoolID)
	}
	if q.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.StartedAfter != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, fmtTime(*q.StartedAfter))
	}
	if q.StartedBefore != nil {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, fmtTime(*q.StartedBefore))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultOpLimit
	}
	if limit > maxOpListLimit {
		limit = maxOpListLimit
	}
	args = append(args, limit)

	rows, err := s.db.Query(`SELECT `+opColumns+` FROM sync_operations
		WHERE `+strings.Join(clauses, " AND ")+`
		ORDER BY created_at DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []*SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// FailOverdueOperations force-fails in_progress operations started before
// the ceiling. Used by the reconciler as a backstop for executors that
// died without reaching a terminal transition.
func (s *Store) FailOverdueOperations(ceiling time.Duration) ([]string, error) {
	cutoff := fmtTime(time.Now().UTC().Add(-ceiling))
	rows, err := s.db.Query(`SELECT id FROM sync_operations
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(OpInProgress), cutoff)
	if err != nil {
		return nil, fmt.Errorf("find overdue operations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var failed []string
	for _, id := range ids {
		if err := s.TransitionOperation(id, OpInProgress, OpFailed, "operation exceeded execution ceiling: timeout"); err != nil {
			continue
		}
		s.logger.Warn("operation force-failed after timeout", zap.String("id", id))
		failed = append(failed, id)
	}
	return failed, nil
}

// TrimOperations keeps a pool's newest terminal operations up to keep,
// deleting the rest. Active operations are never trimmed.
func (s *Store) TrimOperations(poolID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("%w: keep must be >= 1", ErrValidation)
	}
	res, err := s.db.Exec(`DELETE FROM sync_operations WHERE id IN (
		SELECT id FROM sync_operations
		WHERE pool_id = ? AND status IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at DESC, id
		LIMIT -1 OFFSET ?
	)`, poolID, keep)
	if err != nil {
		return 0, fmt.Errorf("trim operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanOperation(row rowScanner) (*SyncOperation, error) {
	var (
		op                     SyncOperation
		opType, status         string
		plan, applied          sql.NullString
		createdAt              string
		startedAt, completedAt sql.NullString
	)
	err := row.Scan(&op.ID, &op.PoolID, &op.EndpointID, &opType, &status, &op.Progress,
		&plan, &applied, &op.Error, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: operation", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	op.Type = OperationType(opType)
	op.Status = OperationStatus(status)
	if plan.Valid && plan.String != "" {
		var p SyncPlan
		if err := json.Unmarshal([]byte(plan.String), &p); err == nil {
			op.Plan = &p
		}
	}
	if applied.Valid && applied.String != "" {
		_ = json.Unmarshal([]byte(applied.String), &op.Applied)
	}
	op.CreatedAt = parseTime(createdAt)
	op.StartedAt = parseNullableTime(startedAt)
	op.CompletedAt = parseNullableTime(completedAt)
	return &op, nil
}
