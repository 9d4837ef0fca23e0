package domain

// Response status values.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Patient status values.
const (
	PatientPending   = "pending"
	PatientCompleted = "completed"
)

// StepNotStarted is the step index before the intro has been passed;
// 0..N-1 address questions and N is the terminal review state.
const StepNotStarted = -1

type Questionnaire struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	IntroVideo  string     `json:"intro_video,omitempty"`
	OutroVideo  string     `json:"outro_video,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
}

// Question is one step of a questionnaire, backed by one external video.
// Position is the fixed order within the owning questionnaire.
type Question struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	VideoRef    string `json:"video_ref"`
	Position    int    `json:"position"`
}

type Patient struct {
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

// Response is the persisted progress of one patient through one questionnaire.
// Revision guards snapshot overwrites: every save checks and bumps it.
type Response struct {
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

// EvolutionNote is a clinician note attached to a completed response.
type EvolutionNote struct {
	ID           string  `json:"id"`
	ResponseID   string  `json:"response_id"`
	Content      string  `json:"content"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	LastEditedAt *string `json:"last_edited_at,omitempty" format:"date-time"`
}

// Settings holds the clinic-wide branding and intro/outro video toggles.
// A single row, addressed explicitly; never ambient process state.
type Settings struct {
	CompanyName    string `json:"company_name"`
	LogoURL        string `json:"logo_url,omitempty"`
	ShowIntroVideo bool   `json:"show_intro_video"`
	ShowOutroVideo bool   `json:"show_outro_video"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	QuestionnaireID string `json:"questionnaire_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorID         string `json:"actor_id"`
	Payload         string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// VideoInfo is resolved metadata for an external video reference.
// Always best-effort; placeholder values when the provider is unreachable.
type VideoInfo struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}
