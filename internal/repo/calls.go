package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"okrline/internal/domain"
)

// InsertCallsTx persists ledger entries given oldest-first. Entries already
// stored are skipped, so the whole ledger can be flushed repeatedly.
func (r Repo) InsertCallsTx(ctx context.Context, tx *sql.Tx, sessionID string, entries []domain.CallLogEntry) error {
	c := r.conn(tx)
	for _, e := range entries {
		if _, err := c.ExecContext(ctx, `INSERT OR IGNORE INTO calls(call_id,session_id,ts,endpoint,method,payload_json,response_json,error) VALUES (?,?,?,?,?,?,?,?)`,
			e.ID, sessionID, e.TS, e.Endpoint, e.Method, rawOrNull(e.Payload), rawOrNull(e.Response), nullable(e.Error)); err != nil {
			return fmt.Errorf("insert call %s: %w", e.ID, err)
		}
	}
	return nil
}

func (r Repo) DeleteCallsTx(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM calls WHERE session_id=?`, sessionID)
	return err
}

// ListCalls returns every call of a session oldest-first.
func (r Repo) ListCalls(ctx context.Context, sessionID string) ([]domain.CallLogEntry, error) {
	return r.queryCalls(ctx, `WHERE session_id=? ORDER BY id ASC`, sessionID)
}

// LatestCallsFrom returns up to limit calls newest-first, older than cursor when cursor > 0.
func (r Repo) LatestCallsFrom(ctx context.Context, sessionID string, limit int, cursor int64, endpoint string) ([]domain.CallLogEntry, error) {
	clauses := []string{"session_id=?"}
	args := []any{sessionID}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if endpoint != "" {
		clauses = append(clauses, "endpoint LIKE ?")
		args = append(args, endpoint+"%")
	}
	args = append(args, limit)
	return r.queryCalls(ctx, "WHERE "+strings.Join(clauses, " AND ")+" ORDER BY id DESC LIMIT ?", args...)
}

func (r Repo) queryCalls(ctx context.Context, tail string, args ...any) ([]domain.CallLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,call_id,session_id,ts,endpoint,method,payload_json,response_json,COALESCE(error,'') FROM calls `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.CallLogEntry{}
	for rows.Next() {
		var e domain.CallLogEntry
		var payload, response sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.SessionID, &e.TS, &e.Endpoint, &e.Method, &payload, &response, &e.Error); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		if response.Valid {
			e.Response = json.RawMessage(response.String)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
