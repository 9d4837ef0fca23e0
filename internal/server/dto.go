package server

import (
	"encoding/json"

	"anamnesis/internal/config"
	"anamnesis/internal/domain"
	"anamnesis/internal/wizard"
)

// Request payloads

type QuestionRequest struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	VideoRef    string  `json:"video_ref"`
}

type CreateQuestionnaireRequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title"`
	Description *string           `json:"description,omitempty"`
	IntroVideo  *string           `json:"intro_video,omitempty"`
	OutroVideo  *string           `json:"outro_video,omitempty"`
	Questions   []QuestionRequest `json:"questions"`
}

type RegisterPatientRequest struct {
	ID        *string `json:"id,omitempty"`
	Name      string  `json:"name"`
	Surname   string  `json:"surname"`
	BirthDate *string `json:"birth_date,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Address   *string `json:"address,omitempty"`
	Email     *string `json:"email,omitempty"`
}

type SubmitAnswerRequest struct {
	StepID string `json:"step_id"`
	Text   string `json:"text"`
}

type AdvanceRequest struct {
	Feedback *string `json:"feedback,omitempty"`
}

type NoteRequest struct {
	Content string `json:"content"`
}

type UpdateSettingsRequest struct {
	CompanyName    *string `json:"company_name,omitempty"`
	LogoURL        *string `json:"logo_url,omitempty"`
	ShowIntroVideo *bool   `json:"show_intro_video,omitempty"`
	ShowOutroVideo *bool   `json:"show_outro_video,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role,omitempty" enum:"clinician,respondent"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type QuestionnaireResponse struct {
	ID          string             `json:"id"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	IntroVideo  string             `json:"intro_video,omitempty"`
	OutroVideo  string             `json:"outro_video,omitempty"`
	Questions   []QuestionResponse `json:"questions,omitempty"`
	CreatedAt   string             `json:"created_at" format:"date-time"`
}

type QuestionResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	VideoRef    string `json:"video_ref"`
	Position    int    `json:"position"`
}

type PatientResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	BirthDate string `json:"birth_date,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Email     string `json:"email,omitempty"`
	Status    string `json:"status" enum:"pending,completed"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ResponseResponse struct {
	ID              string            `json:"id"`
	QuestionnaireID string            `json:"questionnaire_id"`
	PatientID       string            `json:"patient_id"`
	StepIndex       int               `json:"step_index"`
	Answers         map[string]string `json:"answers"`
	Status          string            `json:"status" enum:"in_progress,completed"`
	VideoWatched    bool              `json:"video_watched"`
	Feedback        string            `json:"feedback,omitempty"`
	Revision        int64             `json:"revision"`
	StartedAt       string            `json:"started_at" format:"date-time"`
	CompletedAt     *string           `json:"completed_at,omitempty" format:"date-time"`
	LastUpdated     string            `json:"last_updated" format:"date-time"`
}

type NoteResponse struct {
	ID           string  `json:"id"`
	ResponseID   string  `json:"response_id"`
	Content      string  `json:"content"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	LastEditedAt *string `json:"last_edited_at,omitempty" format:"date-time"`
}

type ReviewResponse struct {
	Response ResponseResponse `json:"response"`
	Patient  PatientResponse  `json:"patient"`
	Notes    []NoteResponse   `json:"notes"`
}

type SettingsResponse struct {
	CompanyName    string `json:"company_name"`
	LogoURL        string `json:"logo_url,omitempty"`
	ShowIntroVideo bool   `json:"show_intro_video"`
	ShowOutroVideo bool   `json:"show_outro_video"`
	UpdatedAt      string `json:"updated_at,omitempty" format:"date-time"`
}

type VideoInfoResponse struct {
	VideoRef    string `json:"video_ref"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

type EventResponse struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts" format:"date-time"`
	Type            string         `json:"type"`
	QuestionnaireID string         `json:"questionnaire_id,omitempty"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id,omitempty"`
	ActorID         string         `json:"actor_id"`
	Payload         map[string]any `json:"payload,omitempty"`
}

type IntakeConfigResponse struct {
	QuestionnaireID     string `json:"questionnaire_id"`
	RequireIntroWatched bool   `json:"require_intro_watched"`
	RequireStepWatched  bool   `json:"require_step_watched"`
	MinAnswerWords      int    `json:"min_answer_words"`
	AllowBack           bool   `json:"allow_back"`
}

// Mappers

func questionnaireResponse(q domain.Questionnaire) QuestionnaireResponse {
	out := QuestionnaireResponse{
		ID:          q.ID,
		Title:       q.Title,
		Description: q.Description,
		IntroVideo:  q.IntroVideo,
		OutroVideo:  q.OutroVideo,
		CreatedAt:   q.CreatedAt,
	}
	for _, step := range q.Questions {
		out.Questions = append(out.Questions, QuestionResponse{
			ID:          step.ID,
			Title:       step.Title,
			Description: step.Description,
			VideoRef:    step.VideoRef,
			Position:    step.Position,
		})
	}
	return out
}

func mapQuestionnaires(items []domain.Questionnaire) []QuestionnaireResponse {
	out := make([]QuestionnaireResponse, 0, len(items))
	for _, q := range items {
		out = append(out, questionnaireResponse(q))
	}
	return out
}

func patientResponse(p domain.Patient) PatientResponse {
	return PatientResponse{
		ID:        p.ID,
		Name:      p.Name,
		Surname:   p.Surname,
		BirthDate: p.BirthDate,
		Phone:     p.Phone,
		Address:   p.Address,
		Email:     p.Email,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
	}
}

func mapPatients(items []domain.Patient) []PatientResponse {
	out := make([]PatientResponse, 0, len(items))
	for _, p := range items {
		out = append(out, patientResponse(p))
	}
	return out
}

func responseResponse(r domain.Response) ResponseResponse {
	return ResponseResponse{
		ID:              r.ID,
		QuestionnaireID: r.QuestionnaireID,
		PatientID:       r.PatientID,
		StepIndex:       r.StepIndex,
		Answers:         r.Answers,
		Status:          r.Status,
		VideoWatched:    r.VideoWatched,
		Feedback:        r.Feedback,
		Revision:        r.Revision,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastUpdated:     r.LastUpdated,
	}
}

func mapResponses(items []domain.Response) []ResponseResponse {
	out := make([]ResponseResponse, 0, len(items))
	for _, r := range items {
		out = append(out, responseResponse(r))
	}
	return out
}

func noteResponse(n domain.EvolutionNote) NoteResponse {
	return NoteResponse{
		ID:           n.ID,
		ResponseID:   n.ResponseID,
		Content:      n.Content,
		CreatedAt:    n.CreatedAt,
		LastEditedAt: n.LastEditedAt,
	}
}

func mapNotes(items []domain.EvolutionNote) []NoteResponse {
	out := make([]NoteResponse, 0, len(items))
	for _, n := range items {
		out = append(out, noteResponse(n))
	}
	return out
}

func reviewResponse(r wizard.Review) ReviewResponse {
	return ReviewResponse{
		Response: responseResponse(r.Response),
		Patient:  patientResponse(r.Patient),
		Notes:    mapNotes(r.Notes),
	}
}

func settingsResponse(s domain.Settings) SettingsResponse {
	return SettingsResponse{
		CompanyName:    s.CompanyName,
		LogoURL:        s.LogoURL,
		ShowIntroVideo: s.ShowIntroVideo,
		ShowOutroVideo: s.ShowOutroVideo,
		UpdatedAt:      s.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:              e.ID,
		TS:              e.TS,
		Type:            e.Type,
		QuestionnaireID: e.QuestionnaireID,
		EntityKind:      e.EntityKind,
		EntityID:        e.EntityID,
		ActorID:         e.ActorID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			out.Payload = payload
		}
	}
	return out
}

func configResponse(cfg *config.Config) IntakeConfigResponse {
	return IntakeConfigResponse{
		QuestionnaireID:     cfg.Questionnaire.ID,
		RequireIntroWatched: cfg.Gating.RequireIntroWatched,
		RequireStepWatched:  cfg.Gating.RequireStepWatched,
		MinAnswerWords:      cfg.Gating.MinAnswerWords,
		AllowBack:           cfg.Gating.AllowBack,
	}
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
