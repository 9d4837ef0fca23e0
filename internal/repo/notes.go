package repo

import (
	"context"
	"database/sql"
	"fmt"

	"anamnesis/internal/domain"
)

// Evolution notes are an append-only sub-table keyed by note id, so two
// clinicians appending at once never rewrite each other's entries.

func (r Repo) InsertNoteTx(ctx context.Context, tx *sql.Tx, n domain.EvolutionNote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evolution_notes(id,response_id,content,created_at) VALUES (?,?,?,?)`,
		n.ID, n.ResponseID, n.Content, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (r Repo) UpdateNoteTx(ctx context.Context, tx *sql.Tx, responseID, noteID, content, editedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evolution_notes SET content=?, last_edited_at=? WHERE id=? AND response_id=?`,
		content, editedAt, noteID, responseID)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetNote(ctx context.Context, responseID, noteID string) (domain.EvolutionNote, error) {
	var n domain.EvolutionNote
	var edited sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,response_id,content,created_at,last_edited_at FROM evolution_notes WHERE id=? AND response_id=?`,
		noteID, responseID).Scan(&n.ID, &n.ResponseID, &n.Content, &n.CreatedAt, &edited)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if edited.Valid {
		n.LastEditedAt = &edited.String
	}
	return n, nil
}

// ListNotes returns the log newest first; display order is computed here,
// never stored.
func (r Repo) ListNotes(ctx context.Context, responseID string) ([]domain.EvolutionNote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,response_id,content,created_at,last_edited_at FROM evolution_notes WHERE response_id=? ORDER BY created_at DESC, id DESC`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvolutionNote
	for rows.Next() {
		var n domain.EvolutionNote
		var edited sql.NullString
		if err := rows.Scan(&n.ID, &n.ResponseID, &n.Content, &n.CreatedAt, &edited); err != nil {
			return nil, err
		}
		if edited.Valid {
			n.LastEditedAt = &edited.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
