package wizard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"anamnesis/internal/config"
	"anamnesis/internal/domain"
	"anamnesis/internal/events"
	"anamnesis/internal/repo"
)

// Engine drives a respondent through the ordered question steps of a
// questionnaire: gating, persistence, resumption and the completion commit.
// One transition is processed at a time per session; every store call is a
// suspend point that may fail and leave state untouched.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Session states exposed through View.
const (
	StateIntro     = "intro"
	StateQuestion  = "question"
	StateCompleted = "completed"
)

// View is the displayable snapshot of one session.
type View struct {
	State           string            `json:"state" enum:"intro,question,completed"`
	ResponseID      string            `json:"response_id"`
	StepIndex       int               `json:"step_index"`
	TotalSteps      int               `json:"total_steps"`
	Step            *domain.Question  `json:"step,omitempty"`
	Answers         map[string]string `json:"answers"`
	ProgressPercent int               `json:"progress_percent"`
	CanAdvance      bool              `json:"can_advance"`
	GateReason      string            `json:"gate_reason,omitempty"`
	VideoWatched    bool              `json:"video_watched"`
	Status          string            `json:"status" enum:"in_progress,completed"`
}

// Review bundles a completed response with its evolution log, newest note
// first.
type Review struct {
	Response domain.Response        `json:"response"`
	Patient  domain.Patient         `json:"patient"`
	Notes    []domain.EvolutionNote `json:"notes"`
}

// configFor resolves the intake policy for a questionnaire: the stored config
// wins, then the engine default, then the package default.
func (e Engine) configFor(ctx context.Context, questionnaireID string) (*config.Config, error) {
	cfg, err := e.Repo.GetIntakeConfig(ctx, questionnaireID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if e.Config != nil && e.Config.Questionnaire.ID == questionnaireID {
		return e.Config, nil
	}
	return config.Default(questionnaireID), nil
}

// CreateQuestionnaire stores a questionnaire together with its seed intake
// config. This is the single authoring entry point.
func (e Engine) CreateQuestionnaire(ctx context.Context, q domain.Questionnaire, cfg *config.Config, actorID string) (domain.Questionnaire, error) {
	if q.ID == "" {
		q.ID = uuid.New().String()
	}
	q.CreatedAt = e.now().UTC().Format(time.RFC3339)
	for i := range q.Questions {
		q.Questions[i].Position = i
	}
	if cfg == nil {
		cfg = config.Default(q.ID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Questionnaire{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertQuestionnaireTx(ctx, tx, q); err != nil {
		return domain.Questionnaire{}, err
	}
	if err := e.Repo.UpsertIntakeConfigTx(ctx, tx, q.ID, cfg); err != nil {
		return domain.Questionnaire{}, fmt.Errorf("seed intake config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "questionnaire.created", q.ID, "questionnaire", q.ID, actorID, events.EventPayload{"title": q.Title, "steps": len(q.Questions)}); err != nil {
		return domain.Questionnaire{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Questionnaire{}, err
	}
	return q, nil
}

// RegisterPatient creates a patient record in pending status.
func (e Engine) RegisterPatient(ctx context.Context, p domain.Patient, actorID string) (domain.Patient, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Status = domain.PatientPending
	p.CreatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.InsertPatient(ctx, p); err != nil {
		return domain.Patient{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "patient.registered", "", "patient", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

// BeginSession loads or creates the progress record for an identity pair and
// returns the current view. An unknown pair is not an error: a fresh record
// is created in the not-started state. A resumed in-progress session always
// comes back with the watched flag cleared, so the current video must be
// watched again before advancing.
func (e Engine) BeginSession(ctx context.Context, questionnaireID, patientID, actorID string) (View, error) {
	q, err := e.Repo.GetQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return View{}, err
	}
	if len(q.Questions) == 0 {
		return View{}, fmt.Errorf("questionnaire %s has no questions: %w", questionnaireID, ErrInvalidInput)
	}
	if _, err := e.Repo.GetPatient(ctx, patientID); err != nil {
		return View{}, err
	}
	resp, err := e.Repo.GetResponse(ctx, questionnaireID, patientID)
	if errors.Is(err, repo.ErrNotFound) {
		resp, err = e.createResponse(ctx, q, patientID, actorID)
		if err != nil {
			return View{}, err
		}
		return e.view(ctx, q, resp)
	}
	if err != nil {
		return View{}, err
	}
	if resp.Status == domain.StatusCompleted {
		return e.view(ctx, q, resp)
	}
	if resp.VideoWatched {
		resp.VideoWatched = false
		resp.LastUpdated = e.now().UTC().Format(time.RFC3339)
		resp, err = e.save(ctx, resp, "", actorID, nil)
		if err != nil {
			return View{}, err
		}
	}
	return e.view(ctx, q, resp)
}

func (e Engine) createResponse(ctx context.Context, q domain.Questionnaire, patientID, actorID string) (domain.Response, error) {
	now := e.now().UTC().Format(time.RFC3339)
	resp := domain.Response{
		ID:              uuid.New().String(),
		QuestionnaireID: q.ID,
		PatientID:       patientID,
		StepIndex:       domain.StepNotStarted,
		Answers:         map[string]string{},
		Status:          domain.StatusInProgress,
		StartedAt:       now,
		LastUpdated:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertResponseTx(ctx, tx, resp); err != nil {
		return resp, err
	}
	if err := e.Events.Append(ctx, tx, "response.started", q.ID, "response", resp.ID, actorID, events.EventPayload{"patient_id": patientID}); err != nil {
		return resp, err
	}
	if err := tx.Commit(); err != nil {
		return resp, err
	}
	return resp, nil
}

// MarkWatched records the player's single ended signal for the video the
// respondent currently faces (the intro when not started).
func (e Engine) MarkWatched(ctx context.Context, questionnaireID, patientID, actorID string) (View, error) {
	q, resp, err := e.load(ctx, questionnaireID, patientID)
	if err != nil {
		return View{}, err
	}
	if resp.Status == domain.StatusCompleted {
		return View{}, fmt.Errorf("response %s already completed: %w", resp.ID, repo.ErrConflict)
	}
	if !resp.VideoWatched {
		resp.VideoWatched = true
		resp.LastUpdated = e.now().UTC().Format(time.RFC3339)
		resp, err = e.save(ctx, resp, "", actorID, nil)
		if err != nil {
			return View{}, err
		}
	}
	return e.view(ctx, q, resp)
}

// SubmitAnswer overwrites the answer for the step the respondent is on.
// Resubmitting before advancing is idempotent: exactly one value per step id.
func (e Engine) SubmitAnswer(ctx context.Context, questionnaireID, patientID, stepID, text, actorID string) (View, error) {
	q, resp, err := e.load(ctx, questionnaireID, patientID)
	if err != nil {
		return View{}, err
	}
	if resp.Status == domain.StatusCompleted {
		return View{}, fmt.Errorf("response %s already completed: %w", resp.ID, repo.ErrConflict)
	}
	if resp.StepIndex < 0 || resp.StepIndex >= len(q.Questions) {
		return View{}, fmt.Errorf("no current step to answer: %w", ErrInvalidInput)
	}
	current := q.Questions[resp.StepIndex]
	if stepID != current.ID {
		return View{}, fmt.Errorf("step %s is not the current step (%s): %w", stepID, current.ID, ErrInvalidInput)
	}
	resp.Answers[stepID] = text
	resp.LastUpdated = e.now().UTC().Format(time.RFC3339)
	resp, err = e.save(ctx, resp, "", actorID, nil)
	if err != nil {
		return View{}, err
	}
	return e.view(ctx, q, resp)
}

// Advance moves the session one step forward when the gate allows it. The
// move off the last step is the completion commit: final answers, feedback,
// status and the patient flag land in one transaction. A blocked gate changes
// nothing and returns GateError.
func (e Engine) Advance(ctx context.Context, questionnaireID, patientID, feedback, actorID string) (View, error) {
	q, resp, err := e.load(ctx, questionnaireID, patientID)
	if err != nil {
		return View{}, err
	}
	if resp.Status == domain.StatusCompleted {
		return View{}, fmt.Errorf("response %s already completed: %w", resp.ID, repo.ErrConflict)
	}
	cfg, err := e.configFor(ctx, questionnaireID)
	if err != nil {
		return View{}, err
	}
	if ok, reason := e.canAdvance(ctx, cfg, q, resp); !ok {
		return View{}, GateError{Reason: reason}
	}

	now := e.now().UTC().Format(time.RFC3339)
	from := resp.StepIndex
	resp.StepIndex++
	resp.VideoWatched = false
	resp.LastUpdated = now

	if resp.StepIndex == len(q.Questions) {
		resp.Status = domain.StatusCompleted
		resp.CompletedAt = &now
		if strings.TrimSpace(feedback) != "" {
			resp.Feedback = strings.TrimSpace(feedback)
		}
		resp, err = e.complete(ctx, resp, actorID)
		if err != nil {
			return View{}, err
		}
		return e.view(ctx, q, resp)
	}

	resp, err = e.save(ctx, resp, "response.advanced", actorID, events.EventPayload{"from": from, "to": resp.StepIndex})
	if err != nil {
		return View{}, err
	}
	return e.view(ctx, q, resp)
}

// Back steps backwards without clearing the answer already given. Only
// available when the intake policy enables it.
func (e Engine) Back(ctx context.Context, questionnaireID, patientID, actorID string) (View, error) {
	q, resp, err := e.load(ctx, questionnaireID, patientID)
	if err != nil {
		return View{}, err
	}
	if resp.Status == domain.StatusCompleted {
		return View{}, fmt.Errorf("response %s already completed: %w", resp.ID, repo.ErrConflict)
	}
	cfg, err := e.configFor(ctx, questionnaireID)
	if err != nil {
		return View{}, err
	}
	if !cfg.Gating.AllowBack {
		return View{}, GateError{Reason: "back navigation is disabled"}
	}
	if resp.StepIndex <= 0 {
		return View{}, GateError{Reason: "already at the first step"}
	}
	from := resp.StepIndex
	resp.StepIndex--
	resp.VideoWatched = false
	resp.LastUpdated = e.now().UTC().Format(time.RFC3339)
	resp, err = e.save(ctx, resp, "response.back", actorID, events.EventPayload{"from": from, "to": resp.StepIndex})
	if err != nil {
		return View{}, err
	}
	return e.view(ctx, q, resp)
}

// CurrentView recomputes the displayable state without mutating anything.
func (e Engine) CurrentView(ctx context.Context, questionnaireID, patientID string) (View, error) {
	q, resp, err := e.load(ctx, questionnaireID, patientID)
	if err != nil {
		return View{}, err
	}
	return e.view(ctx, q, resp)
}

// ReviewCompleted returns the answers and evolution log of a completed
// response for the clinician's read-only review.
func (e Engine) ReviewCompleted(ctx context.Context, responseID string) (Review, error) {
	resp, err := e.Repo.GetResponseByID(ctx, responseID)
	if err != nil {
		return Review{}, err
	}
	if resp.Status != domain.StatusCompleted {
		return Review{}, GateError{Reason: "response is not completed yet"}
	}
	patient, err := e.Repo.GetPatient(ctx, resp.PatientID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Review{}, err
	}
	notes, err := e.Repo.ListNotes(ctx, responseID)
	if err != nil {
		return Review{}, err
	}
	return Review{Response: resp, Patient: patient, Notes: notes}, nil
}

// AppendNote adds an evolution entry to a completed response.
func (e Engine) AppendNote(ctx context.Context, responseID, content, actorID string) (domain.EvolutionNote, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.EvolutionNote{}, fmt.Errorf("note content is empty: %w", ErrInvalidInput)
	}
	resp, err := e.Repo.GetResponseByID(ctx, responseID)
	if err != nil {
		return domain.EvolutionNote{}, err
	}
	if resp.Status != domain.StatusCompleted {
		return domain.EvolutionNote{}, GateError{Reason: "notes require a completed response"}
	}
	note := domain.EvolutionNote{
		ID:         uuid.New().String(),
		ResponseID: responseID,
		Content:    content,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return note, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNoteTx(ctx, tx, note); err != nil {
		return note, err
	}
	if err := e.Events.Append(ctx, tx, "note.appended", resp.QuestionnaireID, "note", note.ID, actorID, events.EventPayload{"response_id": responseID}); err != nil {
		return note, err
	}
	if err := tx.Commit(); err != nil {
		return note, err
	}
	return note, nil
}

// EditNote rewrites an entry's content in place and stamps last_edited_at.
func (e Engine) EditNote(ctx context.Context, responseID, noteID, content, actorID string) (domain.EvolutionNote, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.EvolutionNote{}, fmt.Errorf("note content is empty: %w", ErrInvalidInput)
	}
	resp, err := e.Repo.GetResponseByID(ctx, responseID)
	if err != nil {
		return domain.EvolutionNote{}, err
	}
	editedAt := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EvolutionNote{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateNoteTx(ctx, tx, responseID, noteID, content, editedAt); err != nil {
		return domain.EvolutionNote{}, err
	}
	if err := e.Events.Append(ctx, tx, "note.edited", resp.QuestionnaireID, "note", noteID, actorID, events.EventPayload{"response_id": responseID}); err != nil {
		return domain.EvolutionNote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EvolutionNote{}, err
	}
	return e.Repo.GetNote(ctx, responseID, noteID)
}

// --- gating and persistence helpers ---

func (e Engine) load(ctx context.Context, questionnaireID, patientID string) (domain.Questionnaire, domain.Response, error) {
	q, err := e.Repo.GetQuestionnaire(ctx, questionnaireID)
	if err != nil {
		return domain.Questionnaire{}, domain.Response{}, err
	}
	resp, err := e.Repo.GetResponse(ctx, questionnaireID, patientID)
	if err != nil {
		return q, domain.Response{}, err
	}
	return q, resp, nil
}

// canAdvance evaluates the forward gate for the current position.
func (e Engine) canAdvance(ctx context.Context, cfg *config.Config, q domain.Questionnaire, resp domain.Response) (bool, string) {
	if resp.StepIndex == domain.StepNotStarted {
		if cfg.Gating.RequireIntroWatched && q.IntroVideo != "" && e.introShown(ctx) && !resp.VideoWatched {
			return false, "intro video not watched"
		}
		return true, ""
	}
	step := q.Questions[resp.StepIndex]
	if cfg.Gating.RequireStepWatched && !resp.VideoWatched {
		return false, fmt.Sprintf("video for step %s not watched", step.ID)
	}
	answer := strings.TrimSpace(resp.Answers[step.ID])
	if answer == "" {
		return false, fmt.Sprintf("step %s has no answer", step.ID)
	}
	if min := cfg.Gating.MinAnswerWords; min > 0 && len(strings.Fields(answer)) < min {
		return false, fmt.Sprintf("answer for step %s needs at least %d words", step.ID, min)
	}
	return true, ""
}

// introShown consults the clinic settings toggle; a settings read failure
// falls back to showing the intro, which keeps the stricter gate.
func (e Engine) introShown(ctx context.Context) bool {
	s, err := e.Repo.GetSettings(ctx)
	if err != nil {
		return true
	}
	return s.ShowIntroVideo
}

// save persists the full snapshot under revision check, optionally appending
// an event in the same transaction. On any failure the caller's copy keeps
// its old revision and nothing is written.
func (e Engine) save(ctx context.Context, resp domain.Response, evtType, actorID string, payload events.EventPayload) (domain.Response, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, err
	}
	defer tx.Rollback()
	saved, err := e.Repo.SaveResponseTx(ctx, tx, resp)
	if err != nil {
		return resp, err
	}
	if evtType != "" {
		if err := e.Events.Append(ctx, tx, evtType, resp.QuestionnaireID, "response", resp.ID, actorID, payload); err != nil {
			return resp, err
		}
	}
	if err := tx.Commit(); err != nil {
		return resp, err
	}
	return saved, nil
}

// complete is the single commit point that finalizes a response: snapshot,
// completion fields and the patient status flip land together or not at all.
func (e Engine) complete(ctx context.Context, resp domain.Response, actorID string) (domain.Response, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return resp, err
	}
	defer tx.Rollback()
	saved, err := e.Repo.SaveResponseTx(ctx, tx, resp)
	if err != nil {
		return resp, err
	}
	if err := e.Repo.UpdatePatientStatusTx(ctx, tx, resp.PatientID, domain.PatientCompleted); err != nil {
		return resp, err
	}
	if err := e.Events.Append(ctx, tx, "response.completed", resp.QuestionnaireID, "response", resp.ID, actorID, events.EventPayload{
		"patient_id": resp.PatientID,
		"steps":      resp.StepIndex,
	}); err != nil {
		return resp, err
	}
	if err := tx.Commit(); err != nil {
		return resp, err
	}
	return saved, nil
}

func (e Engine) view(ctx context.Context, q domain.Questionnaire, resp domain.Response) (View, error) {
	cfg, err := e.configFor(ctx, q.ID)
	if err != nil {
		return View{}, err
	}
	total := len(q.Questions)
	v := View{
		ResponseID:   resp.ID,
		StepIndex:    resp.StepIndex,
		TotalSteps:   total,
		Answers:      resp.Answers,
		VideoWatched: resp.VideoWatched,
		Status:       resp.Status,
	}
	switch {
	case resp.StepIndex == domain.StepNotStarted:
		v.State = StateIntro
	case resp.StepIndex >= total:
		v.State = StateCompleted
		v.ProgressPercent = 100
	default:
		v.State = StateQuestion
		step := q.Questions[resp.StepIndex]
		v.Step = &step
		v.ProgressPercent = (resp.StepIndex + 1) * 100 / total
	}
	if resp.Status != domain.StatusCompleted {
		v.CanAdvance, v.GateReason = e.canAdvance(ctx, cfg, q, resp)
	}
	return v, nil
}
