package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"anamnesis/internal/config"
	"anamnesis/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// --- questionnaires ---

// InsertQuestionnaire stores the questionnaire and its ordered questions in
// one transaction. Question order is fixed at creation.
func (r Repo) InsertQuestionnaire(ctx context.Context, q domain.Questionnaire) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertQuestionnaireTx(ctx, tx, q); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertQuestionnaireTx(ctx context.Context, tx *sql.Tx, q domain.Questionnaire) error {
	if err := ValidateQuestionnaire(q); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO questionnaires(id,title,description,intro_video,outro_video,created_at) VALUES (?,?,?,?,?,?)`,
		q.ID, q.Title, nullable(q.Description), nullable(q.IntroVideo), nullable(q.OutroVideo), q.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("questionnaire %s: %w", q.ID, ErrConflict)
		}
		return fmt.Errorf("insert questionnaire: %w", err)
	}
	for i, step := range q.Questions {
		_, err := tx.ExecContext(ctx, `INSERT INTO questions(questionnaire_id,id,position,title,description,video_ref) VALUES (?,?,?,?,?,?)`,
			q.ID, step.ID, i, step.Title, nullable(step.Description), step.VideoRef)
		if err != nil {
			return fmt.Errorf("insert question %s: %w", step.ID, err)
		}
	}
	return nil
}

func (r Repo) GetQuestionnaire(ctx context.Context, id string) (domain.Questionnaire, error) {
	var q domain.Questionnaire
	var desc, intro, outro sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,description,intro_video,outro_video,created_at FROM questionnaires WHERE id=?`, id).
		Scan(&q.ID, &q.Title, &desc, &intro, &outro, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Description = desc.String
	q.IntroVideo = intro.String
	q.OutroVideo = outro.String
	q.Questions, err = r.listQuestions(ctx, id)
	return q, err
}

// LatestQuestionnaire returns the most recently created questionnaire.
func (r Repo) LatestQuestionnaire(ctx context.Context) (domain.Questionnaire, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM questionnaires ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return domain.Questionnaire{}, err
	}
	return r.GetQuestionnaire(ctx, id)
}

func (r Repo) ListQuestionnaires(ctx context.Context) ([]domain.Questionnaire, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,COALESCE(description,''),COALESCE(intro_video,''),COALESCE(outro_video,''),created_at FROM questionnaires ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Questionnaire
	for rows.Next() {
		var q domain.Questionnaire
		if err := rows.Scan(&q.ID, &q.Title, &q.Description, &q.IntroVideo, &q.OutroVideo, &q.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) DeleteQuestionnaire(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM questionnaires WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) listQuestions(ctx context.Context, questionnaireID string) ([]domain.Question, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,position,title,COALESCE(description,''),video_ref FROM questions WHERE questionnaire_id=? ORDER BY position ASC`, questionnaireID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		var step domain.Question
		if err := rows.Scan(&step.ID, &step.Position, &step.Title, &step.Description, &step.VideoRef); err != nil {
			return nil, err
		}
		res = append(res, step)
	}
	return res, rows.Err()
}

// --- intake configs ---

func (r Repo) UpsertIntakeConfig(ctx context.Context, questionnaireID string, cfg *config.Config) error {
	return upsertIntakeConfig(ctx, r.DB, nil, questionnaireID, cfg)
}

func (r Repo) UpsertIntakeConfigTx(ctx context.Context, tx *sql.Tx, questionnaireID string, cfg *config.Config) error {
	return upsertIntakeConfig(ctx, nil, tx, questionnaireID, cfg)
}

func upsertIntakeConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, questionnaireID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Questionnaire.ID = questionnaireID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO intake_configs(questionnaire_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(questionnaire_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, questionnaireID, string(payload), now, now)
	return err
}

func (r Repo) GetIntakeConfig(ctx context.Context, questionnaireID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM intake_configs WHERE questionnaire_id=?`, questionnaireID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Questionnaire.ID == "" {
		cfg.Questionnaire.ID = questionnaireID
	}
	return &cfg, cfg.Validate()
}

// --- responses ---

const responseColumns = `id,questionnaire_id,patient_id,step_index,answers_json,status,video_watched,COALESCE(feedback,''),revision,started_at,completed_at,last_updated`

func scanResponse(scan func(...any) error) (domain.Response, error) {
	var resp domain.Response
	var answersJSON string
	var watched int
	var completedAt sql.NullString
	err := scan(&resp.ID, &resp.QuestionnaireID, &resp.PatientID, &resp.StepIndex, &answersJSON,
		&resp.Status, &watched, &resp.Feedback, &resp.Revision, &resp.StartedAt, &completedAt, &resp.LastUpdated)
	if err == sql.ErrNoRows {
		return resp, ErrNotFound
	}
	if err != nil {
		return resp, err
	}
	resp.VideoWatched = watched != 0
	if completedAt.Valid {
		resp.CompletedAt = &completedAt.String
	}
	resp.Answers = map[string]string{}
	if answersJSON != "" {
		if err := json.Unmarshal([]byte(answersJSON), &resp.Answers); err != nil {
			return resp, fmt.Errorf("decode answers: %w", err)
		}
	}
	return resp, nil
}

// InsertResponseTx creates a fresh progress record. A second record for the
// same (questionnaire, patient) pair is rejected with ErrConflict.
func (r Repo) InsertResponseTx(ctx context.Context, tx *sql.Tx, resp domain.Response) error {
	answers, err := marshalAnswers(resp.Answers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO responses(id,questionnaire_id,patient_id,step_index,answers_json,status,video_watched,feedback,revision,started_at,last_updated)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		resp.ID, resp.QuestionnaireID, resp.PatientID, resp.StepIndex, answers, resp.Status,
		boolInt(resp.VideoWatched), nullable(resp.Feedback), resp.Revision, resp.StartedAt, resp.LastUpdated)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("response for patient %s: %w", resp.PatientID, ErrConflict)
		}
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// GetResponse loads progress for an identity pair. Most recent wins when
// legacy duplicates exist.
func (r Repo) GetResponse(ctx context.Context, questionnaireID, patientID string) (domain.Response, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE questionnaire_id=? AND patient_id=? ORDER BY started_at DESC, id DESC LIMIT 1`,
		questionnaireID, patientID)
	return scanResponse(row.Scan)
}

func (r Repo) GetResponseByID(ctx context.Context, id string) (domain.Response, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id=?`, id)
	return scanResponse(row.Scan)
}

// SaveResponseTx overwrites the full snapshot under an optimistic revision
// check: the row must still carry resp.Revision, and the write bumps it. A
// stale revision maps to ErrConflict so the caller can reload and retry.
func (r Repo) SaveResponseTx(ctx context.Context, tx *sql.Tx, resp domain.Response) (domain.Response, error) {
	answers, err := marshalAnswers(resp.Answers)
	if err != nil {
		return resp, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE responses SET step_index=?, answers_json=?, status=?, video_watched=?, feedback=?, completed_at=?, last_updated=?, revision=revision+1
WHERE id=? AND revision=?`,
		resp.StepIndex, answers, resp.Status, boolInt(resp.VideoWatched), nullable(resp.Feedback),
		nullableStringPtr(resp.CompletedAt), resp.LastUpdated, resp.ID, resp.Revision)
	if err != nil {
		return resp, fmt.Errorf("save response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM responses WHERE id=?`, resp.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return resp, ErrNotFound
		}
		if err != nil {
			return resp, err
		}
		return resp, fmt.Errorf("response %s revision %d is stale: %w", resp.ID, resp.Revision, ErrConflict)
	}
	resp.Revision++
	return resp, nil
}

// ResponseFilters narrow ListResponses.
type ResponseFilters struct {
	QuestionnaireID string
	PatientID       string
	Status          string
}

func (r Repo) ListResponses(ctx context.Context, f ResponseFilters) ([]domain.Response, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.QuestionnaireID != "" {
		clauses = append(clauses, "questionnaire_id=?")
		args = append(args, f.QuestionnaireID)
	}
	if f.PatientID != "" {
		clauses = append(clauses, "patient_id=?")
		args = append(args, f.PatientID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + responseColumns + ` FROM responses WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY started_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Response
	for rows.Next() {
		resp, err := scanResponse(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, resp)
	}
	return res, rows.Err()
}

func (r Repo) DeleteResponse(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM responses WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountResponsesByStatus(ctx context.Context, questionnaireID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM responses WHERE questionnaire_id=? GROUP BY status`, questionnaireID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, n int, questionnaireID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if questionnaireID != "" {
		clauses = append(clauses, "questionnaire_id=?")
		args = append(args, questionnaireID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(questionnaire_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.QuestionnaireID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, questionnaireID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if questionnaireID != "" {
		clauses = append(clauses, "questionnaire_id=?")
		args = append(args, questionnaireID)
	}
	query := `SELECT id,ts,type,COALESCE(questionnaire_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.QuestionnaireID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, questionnaireID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if questionnaireID != "" {
		query += ` WHERE questionnaire_id=?`
		args = append(args, questionnaireID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

// --- helpers ---

func marshalAnswers(answers map[string]string) (string, error) {
	if answers == nil {
		answers = map[string]string{}
	}
	b, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return string(b), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
