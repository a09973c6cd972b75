package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"okrline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const sessionColumns = `id,state,COALESCE(status,''),COALESCE(message,''),COALESCE(run_id,''),created_at,updated_at`

func scanSession(row interface{ Scan(...any) error }) (domain.Session, error) {
	var s domain.Session
	var state string
	err := row.Scan(&s.ID, &state, &s.Status, &s.Message, &s.RunID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	s.State = domain.RunState(state)
	return s, err
}

// EnsureSessionTx inserts the session row if it does not exist yet.
func (r Repo) EnsureSessionTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO sessions(id,state,created_at,updated_at) VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, string(domain.StateIdle), now, now)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", id, err)
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetRunStatus loads the persisted pipeline snapshot of a session.
func (r Repo) GetRunStatus(ctx context.Context, id string) (domain.RunStatus, error) {
	var st domain.RunStatus
	var state string
	err := r.DB.QueryRowContext(ctx, `SELECT id,state,COALESCE(status,''),COALESCE(message,''),COALESCE(detail,''),COALESCE(run_id,''),COALESCE(actor,''),COALESCE(started_at,''),COALESCE(finished_at,'') FROM sessions WHERE id=?`, id).
		Scan(&st.SessionID, &state, &st.Status, &st.Message, &st.Detail, &st.RunID, &st.Actor, &st.StartedAt, &st.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, ErrNotFound
	}
	st.State = domain.RunState(state)
	return st, err
}

// SaveRunStatusTx stores the pipeline snapshot on the session row.
func (r Repo) SaveRunStatusTx(ctx context.Context, tx *sql.Tx, st domain.RunStatus, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE sessions SET state=?,status=?,message=?,detail=?,run_id=?,actor=?,started_at=?,finished_at=?,updated_at=? WHERE id=?`,
		string(st.State), nullable(st.Status), nullable(st.Message), nullable(st.Detail), nullable(st.RunID), nullable(st.Actor),
		nullable(st.StartedAt), nullable(st.FinishedAt), now, st.SessionID)
	if err != nil {
		return fmt.Errorf("save run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceInitiativesTx swaps the stored record set of a session.
func (r Repo) ReplaceInitiativesTx(ctx context.Context, tx *sql.Tx, sessionID string, items []domain.Initiative) error {
	c := r.conn(tx)
	if _, err := c.ExecContext(ctx, `DELETE FROM initiatives WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("clear initiatives: %w", err)
	}
	for i, in := range items {
		if _, err := c.ExecContext(ctx, `INSERT INTO initiatives(session_id,position,initiative_id,name,owner,status,due_date,description,related_okr,objectives,metrics_kpis,notes) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			sessionID, i, in.InitiativeID, in.Name, in.Owner, in.Status, in.DueDate, in.Description, in.RelatedOKR, in.Objectives, in.MetricsKPIs, in.Notes); err != nil {
			return fmt.Errorf("insert initiative %d: %w", i, err)
		}
	}
	return nil
}

func (r Repo) ListInitiatives(ctx context.Context, sessionID string) ([]domain.Initiative, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT initiative_id,name,owner,status,due_date,description,related_okr,objectives,metrics_kpis,notes FROM initiatives WHERE session_id=? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Initiative{}
	for rows.Next() {
		var in domain.Initiative
		if err := rows.Scan(&in.InitiativeID, &in.Name, &in.Owner, &in.Status, &in.DueDate, &in.Description, &in.RelatedOKR, &in.Objectives, &in.MetricsKPIs, &in.Notes); err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// ReplaceObjectsTx stores the tracker's active set, keeping tracked_at for names already present.
func (r Repo) ReplaceObjectsTx(ctx context.Context, tx *sql.Tx, sessionID string, names []string, now string) error {
	c := r.conn(tx)
	existing := map[string]string{}
	rows, err := c.QueryContext(ctx, `SELECT name,tracked_at FROM remote_objects WHERE session_id=?`, sessionID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var name, ts string
		if err := rows.Scan(&name, &ts); err != nil {
			rows.Close()
			return err
		}
		existing[name] = ts
	}
	rows.Close()
	if _, err := c.ExecContext(ctx, `DELETE FROM remote_objects WHERE session_id=?`, sessionID); err != nil {
		return fmt.Errorf("clear objects: %w", err)
	}
	for i, name := range names {
		ts, ok := existing[name]
		if !ok {
			ts = now
		}
		if _, err := c.ExecContext(ctx, `INSERT INTO remote_objects(session_id,name,position,tracked_at) VALUES (?,?,?,?)`, sessionID, name, i, ts); err != nil {
			return fmt.Errorf("insert object %s: %w", name, err)
		}
	}
	return nil
}

func (r Repo) ListObjects(ctx context.Context, sessionID string) ([]domain.RemoteObject, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,name,tracked_at FROM remote_objects WHERE session_id=? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.RemoteObject{}
	for rows.Next() {
		var o domain.RemoteObject
		if err := rows.Scan(&o.SessionID, &o.Name, &o.TrackedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
