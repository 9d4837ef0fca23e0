package wizard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"anamnesis/internal/config"
	"anamnesis/internal/db"
	"anamnesis/internal/domain"
	"anamnesis/internal/migrate"
	"anamnesis/internal/repo"
	"anamnesis/internal/wizard"
)

type testEnv struct {
	Engine wizard.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := wizard.New(conn, nil)
	// stepping clock so rows written in sequence never share a timestamp
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		base = base.Add(time.Second)
		return base
	}
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedQuestionnaire(t *testing.T, env testEnv, cfg *config.Config) domain.Questionnaire {
	t.Helper()
	q := domain.Questionnaire{
		ID:         "q-1",
		Title:      "Initial intake",
		IntroVideo: "intro-vid",
		Questions: []domain.Question{
			{ID: "s1", Title: "Chief complaint", VideoRef: "vid-1"},
			{ID: "s2", Title: "History", VideoRef: "vid-2"},
			{ID: "s3", Title: "Current medication", VideoRef: "vid-3"},
		},
	}
	q, err := env.Engine.CreateQuestionnaire(env.Ctx, q, cfg, "clinician")
	if err != nil {
		t.Fatalf("create questionnaire: %v", err)
	}
	return q
}

func seedPatient(t *testing.T, env testEnv, id string) domain.Patient {
	t.Helper()
	p, err := env.Engine.RegisterPatient(env.Ctx, domain.Patient{ID: id, Name: "Ada", Surname: "Moss"}, "clinician")
	if err != nil {
		t.Fatalf("register patient: %v", err)
	}
	return p
}

func mustWatch(t *testing.T, env testEnv) wizard.View {
	t.Helper()
	v, err := env.Engine.MarkWatched(env.Ctx, "q-1", "p-1", "p-1")
	if err != nil {
		t.Fatalf("mark watched: %v", err)
	}
	return v
}

func mustAdvance(t *testing.T, env testEnv, feedback string) wizard.View {
	t.Helper()
	v, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", feedback, "p-1")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return v
}

func TestFullSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")

	v, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1")
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if v.State != wizard.StateIntro || v.StepIndex != domain.StepNotStarted {
		t.Fatalf("expected intro state, got %s at %d", v.State, v.StepIndex)
	}

	// intro gate blocks until the intro video ends
	_, err = env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1")
	var gate wizard.GateError
	if !errors.As(err, &gate) {
		t.Fatalf("expected gate error on unwatched intro, got %v", err)
	}
	mustWatch(t, env)
	v = mustAdvance(t, env, "")
	if v.State != wizard.StateQuestion || v.StepIndex != 0 || v.Step.ID != "s1" {
		t.Fatalf("expected first question, got %s at %d", v.State, v.StepIndex)
	}
	if v.VideoWatched {
		t.Fatalf("watched flag must reset on step entry")
	}

	// each step needs its video ended plus a non-empty answer
	for i, step := range []string{"s1", "s2", "s3"} {
		mustWatch(t, env)
		if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); !errors.As(err, &gate) {
			t.Fatalf("step %s: expected gate error without answer, got %v", step, err)
		}
		if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", step, "answer for "+step, "p-1"); err != nil {
			t.Fatalf("submit %s: %v", step, err)
		}
		feedback := ""
		if i == 2 {
			feedback = "thanks, it was clear"
		}
		v = mustAdvance(t, env, feedback)
	}

	if v.State != wizard.StateCompleted || v.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s / %s", v.State, v.Status)
	}
	if v.ProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %d", v.ProgressPercent)
	}

	resp, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatalf("get response: %v", err)
	}
	if resp.CompletedAt == nil || resp.Feedback != "thanks, it was clear" {
		t.Fatalf("completion fields not persisted: %+v", resp)
	}
	if len(resp.Answers) != 3 {
		t.Fatalf("expected 3 answers, got %d", len(resp.Answers))
	}
	p, err := env.Engine.Repo.GetPatient(env.Ctx, "p-1")
	if err != nil || p.Status != domain.PatientCompleted {
		t.Fatalf("patient status flip missing: %+v %v", p, err)
	}
}

func TestResumeMidSession(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")

	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	mustWatch(t, env)
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "an answer", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustAdvance(t, env, "")
	mustWatch(t, env)

	// simulated fresh client: resume lands on the same step, keeps the
	// answer, and clears the watched flag
	v, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if v.StepIndex != 1 || v.Step.ID != "s2" {
		t.Fatalf("expected resume at s2, got %d", v.StepIndex)
	}
	if v.VideoWatched {
		t.Fatalf("watched flag must clear on resume")
	}
	if v.Answers["s1"] != "an answer" {
		t.Fatalf("answers lost on resume: %v", v.Answers)
	}
	var gate wizard.GateError
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s2", "second", "p-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); !errors.As(err, &gate) {
		t.Fatalf("expected rewatch requirement after resume, got %v", err)
	}
}

func TestBeginSessionCompletedGoesToReview(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	completeSession(t, env)

	v, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.State != wizard.StateCompleted {
		t.Fatalf("expected completed view, got %s", v.State)
	}
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "late edit", "p-1"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("completed response must reject answers, got %v", err)
	}
	if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("completed response must reject advance, got %v", err)
	}
}

func TestBlockedAdvanceChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	before, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); err == nil {
		t.Fatal("expected gate error")
	}
	after, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Revision != before.Revision || after.StepIndex != before.StepIndex {
		t.Fatalf("blocked advance mutated state: %+v vs %+v", before, after)
	}
}

func TestSubmitAnswerOnlyCurrentStep(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "too early", "p-1"); !errors.Is(err, wizard.ErrInvalidInput) {
		t.Fatalf("intro state must reject answers, got %v", err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s2", "wrong step", "p-1"); !errors.Is(err, wizard.ErrInvalidInput) {
		t.Fatalf("non-current step must be rejected, got %v", err)
	}
	// resubmission overwrites, one value per step
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "first draft", "p-1"); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "final answer", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Answers["s1"] != "final answer" || len(v.Answers) != 1 {
		t.Fatalf("expected overwrite, got %v", v.Answers)
	}
}

func TestMinAnswerWordsGate(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("q-1")
	cfg.Gating.MinAnswerWords = 3
	seedQuestionnaire(t, env, cfg)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	mustWatch(t, env)
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "too short", "p-1"); err != nil {
		t.Fatal(err)
	}
	var gate wizard.GateError
	if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); !errors.As(err, &gate) {
		t.Fatalf("expected word-count gate, got %v", err)
	}
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "now long enough", "p-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1"); err != nil {
		t.Fatalf("expected advance after meeting word count: %v", err)
	}
}

func TestBackNavigation(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("q-1")
	cfg.Gating.AllowBack = true
	seedQuestionnaire(t, env, cfg)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	mustWatch(t, env)
	if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", "s1", "kept answer", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustAdvance(t, env, "")

	v, err := env.Engine.Back(env.Ctx, "q-1", "p-1", "p-1")
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if v.StepIndex != 0 || v.Answers["s1"] != "kept answer" {
		t.Fatalf("back must keep the answer: %+v", v)
	}
	if v.VideoWatched {
		t.Fatalf("back must reset the watched flag")
	}
	var gate wizard.GateError
	if _, err := env.Engine.Back(env.Ctx, "q-1", "p-1", "p-1"); !errors.As(err, &gate) {
		t.Fatalf("expected gate at first step, got %v", err)
	}
}

func TestBackDisabledByDefault(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	var gate wizard.GateError
	if _, err := env.Engine.Back(env.Ctx, "q-1", "p-1", "p-1"); !errors.As(err, &gate) {
		t.Fatalf("expected disabled back navigation, got %v", err)
	}
}

func TestIntroToggleSkipsIntroGate(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.Repo.UpsertSettings(env.Ctx, domain.Settings{
		CompanyName:    "Clinic",
		ShowIntroVideo: false,
		ShowOutroVideo: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.Advance(env.Ctx, "q-1", "p-1", "", "p-1")
	if err != nil {
		t.Fatalf("intro gate should be off: %v", err)
	}
	if v.StepIndex != 0 {
		t.Fatalf("expected first question, got %d", v.StepIndex)
	}
}

func TestStaleRevisionRejected(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	stale, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	// a second client writes first
	mustWatch(t, env)

	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if _, err := env.Engine.Repo.SaveResponseTx(env.Ctx, tx, stale); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected stale revision conflict, got %v", err)
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	resp, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	resp.ID = "other-id"
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Engine.Repo.InsertResponseTx(env.Ctx, tx, resp); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected duplicate pair conflict, got %v", err)
	}
}

func TestEvolutionNotes(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	resp := completeSession(t, env)

	if _, err := env.Engine.AppendNote(env.Ctx, resp.ID, "   ", "clinician"); !errors.Is(err, wizard.ErrInvalidInput) {
		t.Fatalf("whitespace note must be rejected, got %v", err)
	}
	first, err := env.Engine.AppendNote(env.Ctx, resp.ID, "patient reports improvement", "clinician")
	if err != nil {
		t.Fatalf("append note: %v", err)
	}
	second, err := env.Engine.AppendNote(env.Ctx, resp.ID, "follow up in two weeks", "clinician")
	if err != nil {
		t.Fatal(err)
	}

	review, err := env.Engine.ReviewCompleted(env.Ctx, resp.ID)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if len(review.Notes) != 2 {
		t.Fatalf("expected 2 notes, got %d", len(review.Notes))
	}
	if review.Notes[0].ID != second.ID || review.Notes[1].ID != first.ID {
		t.Fatalf("expected newest note first, got %v then %v", review.Notes[0].ID, review.Notes[1].ID)
	}

	edited, err := env.Engine.EditNote(env.Ctx, resp.ID, first.ID, "patient reports strong improvement", "clinician")
	if err != nil {
		t.Fatalf("edit note: %v", err)
	}
	if edited.Content != "patient reports strong improvement" || edited.LastEditedAt == nil {
		t.Fatalf("edit not recorded: %+v", edited)
	}
	if edited.CreatedAt != first.CreatedAt {
		t.Fatalf("edit must keep created_at")
	}
	if _, err := env.Engine.EditNote(env.Ctx, resp.ID, "missing", "x", "clinician"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNotesRequireCompletedResponse(t *testing.T) {
	env := newTestEnv(t)
	seedQuestionnaire(t, env, nil)
	seedPatient(t, env, "p-1")
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	resp, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	var gate wizard.GateError
	if _, err := env.Engine.AppendNote(env.Ctx, resp.ID, "premature", "clinician"); !errors.As(err, &gate) {
		t.Fatalf("expected gate on in-progress response, got %v", err)
	}
	if _, err := env.Engine.ReviewCompleted(env.Ctx, resp.ID); !errors.As(err, &gate) {
		t.Fatalf("expected gate on in-progress review, got %v", err)
	}
}

// completeSession walks p-1 through every step of q-1.
func completeSession(t *testing.T, env testEnv) domain.Response {
	t.Helper()
	if _, err := env.Engine.BeginSession(env.Ctx, "q-1", "p-1", "p-1"); err != nil {
		t.Fatal(err)
	}
	mustWatch(t, env)
	mustAdvance(t, env, "")
	for _, step := range []string{"s1", "s2", "s3"} {
		mustWatch(t, env)
		if _, err := env.Engine.SubmitAnswer(env.Ctx, "q-1", "p-1", step, "answer "+step, "p-1"); err != nil {
			t.Fatal(err)
		}
		mustAdvance(t, env, "")
	}
	resp, err := env.Engine.Repo.GetResponse(env.Ctx, "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	return resp
}
