package repo

import (
	"context"
	"database/sql"
	"fmt"

	"anamnesis/internal/domain"
)

func (r Repo) InsertPatient(ctx context.Context, p domain.Patient) error {
	if err := ValidatePatient(p); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO patients(id,name,surname,birth_date,phone,address,email,status,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Surname, nullable(p.BirthDate), nullable(p.Phone), nullable(p.Address), nullable(p.Email), p.Status, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("patient %s: %w", p.ID, ErrConflict)
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (r Repo) GetPatient(ctx context.Context, id string) (domain.Patient, error) {
	var p domain.Patient
	var birth, phone, address, email sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,surname,birth_date,phone,address,email,status,created_at FROM patients WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Surname, &birth, &phone, &address, &email, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.BirthDate = birth.String
	p.Phone = phone.String
	p.Address = address.String
	p.Email = email.String
	return p, nil
}

func (r Repo) ListPatients(ctx context.Context, status string) ([]domain.Patient, error) {
	query := `SELECT id,name,surname,COALESCE(birth_date,''),COALESCE(phone,''),COALESCE(address,''),COALESCE(email,''),status,created_at FROM patients`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Patient
	for rows.Next() {
		var p domain.Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.Surname, &p.BirthDate, &p.Phone, &p.Address, &p.Email, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePatientStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE patients SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
