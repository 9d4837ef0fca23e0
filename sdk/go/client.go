package anamnesissdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Anamnesis HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Question is one step of a questionnaire.
type Question struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	VideoRef    string `json:"video_ref"`
	Position    int    `json:"position"`
}

// Questionnaire represents the API questionnaire model.
type Questionnaire struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	IntroVideo  string     `json:"intro_video,omitempty"`
	OutroVideo  string     `json:"outro_video,omitempty"`
	Questions   []Question `json:"questions,omitempty"`
	CreatedAt   string     `json:"created_at"`
}

// Patient represents a registered patient.
type Patient struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Surname   string `json:"surname"`
	BirthDate string `json:"birth_date,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Address   string `json:"address,omitempty"`
	Email     string `json:"email,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Response is the stored progress of one patient through one questionnaire.
type Response struct {
	ID              string            `json:"id"`
	QuestionnaireID string            `json:"questionnaire_id"`
	PatientID       string            `json:"patient_id"`
	StepIndex       int               `json:"step_index"`
	Answers         map[string]string `json:"answers"`
	Status          string            `json:"status"`
	VideoWatched    bool              `json:"video_watched"`
	Feedback        string            `json:"feedback,omitempty"`
	Revision        int64             `json:"revision"`
	StartedAt       string            `json:"started_at"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
	LastUpdated     string            `json:"last_updated"`
}

// View is the session state the wizard reports after each operation.
type View struct {
	State           string            `json:"state"`
	ResponseID      string            `json:"response_id"`
	StepIndex       int               `json:"step_index"`
	TotalSteps      int               `json:"total_steps"`
	Step            *Question         `json:"step,omitempty"`
	Answers         map[string]string `json:"answers"`
	ProgressPercent int               `json:"progress_percent"`
	CanAdvance      bool              `json:"can_advance"`
	GateReason      string            `json:"gate_reason,omitempty"`
	VideoWatched    bool              `json:"video_watched"`
	Status          string            `json:"status"`
}

// Note is one entry of the evolution log on a completed response.
type Note struct {
	ID           string  `json:"id"`
	ResponseID   string  `json:"response_id"`
	Content      string  `json:"content"`
	CreatedAt    string  `json:"created_at"`
	LastEditedAt *string `json:"last_edited_at,omitempty"`
}

// Review bundles a completed response with its patient and notes.
type Review struct {
	Response Response `json:"response"`
	Patient  Patient  `json:"patient"`
	Notes    []Note   `json:"notes"`
}

// Settings holds the clinic branding and video toggles.
type Settings struct {
	CompanyName    string `json:"company_name"`
	LogoURL        string `json:"logo_url,omitempty"`
	ShowIntroVideo bool   `json:"show_intro_video"`
	ShowOutroVideo bool   `json:"show_outro_video"`
	UpdatedAt      string `json:"updated_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts"`
	Type            string         `json:"type"`
	QuestionnaireID string         `json:"questionnaire_id,omitempty"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id,omitempty"`
	ActorID         string         `json:"actor_id"`
	Payload         map[string]any `json:"payload,omitempty"`
}

// VideoInfo is resolved metadata for a video reference.
type VideoInfo struct {
	VideoRef    string `json:"video_ref"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateQuestionnaire creates a questionnaire with its question steps.
func (c *Client) CreateQuestionnaire(ctx context.Context, q Questionnaire) (Questionnaire, error) {
	var resp Questionnaire
	err := c.do(ctx, http.MethodPost, "v0/questionnaires", q, &resp)
	return resp, err
}

// ListQuestionnaires returns all questionnaires.
func (c *Client) ListQuestionnaires(ctx context.Context) ([]Questionnaire, error) {
	var resp []Questionnaire
	err := c.do(ctx, http.MethodGet, "v0/questionnaires", nil, &resp)
	return resp, err
}

// GetQuestionnaire fetches a questionnaire by id.
func (c *Client) GetQuestionnaire(ctx context.Context, id string) (Questionnaire, error) {
	var resp Questionnaire
	err := c.do(ctx, http.MethodGet, "v0/questionnaires/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RegisterPatient registers a patient.
func (c *Client) RegisterPatient(ctx context.Context, p Patient) (Patient, error) {
	var resp Patient
	err := c.do(ctx, http.MethodPost, "v0/patients", p, &resp)
	return resp, err
}

// ListPatients returns patients, optionally filtered by status.
func (c *Client) ListPatients(ctx context.Context, status string) ([]Patient, error) {
	endpoint := "v0/patients"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Patient
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) sessionPath(questionnaireID, patientID, action string) string {
	p := fmt.Sprintf("v0/questionnaires/%s/sessions/%s",
		url.PathEscape(questionnaireID), url.PathEscape(patientID))
	if action != "" {
		p += "/" + action
	}
	return p
}

// BeginSession starts or resumes a session for a patient.
func (c *Client) BeginSession(ctx context.Context, questionnaireID, patientID string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodPost, c.sessionPath(questionnaireID, patientID, "begin"), nil, &resp)
	return resp, err
}

// MarkWatched records that the current video ended.
func (c *Client) MarkWatched(ctx context.Context, questionnaireID, patientID string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodPost, c.sessionPath(questionnaireID, patientID, "watched"), nil, &resp)
	return resp, err
}

// SubmitAnswer records the answer for the current step.
func (c *Client) SubmitAnswer(ctx context.Context, questionnaireID, patientID, stepID, text string) (View, error) {
	body := map[string]any{"step_id": stepID, "text": text}
	var resp View
	err := c.do(ctx, http.MethodPost, c.sessionPath(questionnaireID, patientID, "answer"), body, &resp)
	return resp, err
}

// Advance moves to the next step; on the last step it completes the session
// with the optional feedback.
func (c *Client) Advance(ctx context.Context, questionnaireID, patientID, feedback string) (View, error) {
	body := map[string]any{}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp View
	err := c.do(ctx, http.MethodPost, c.sessionPath(questionnaireID, patientID, "advance"), body, &resp)
	return resp, err
}

// Back steps to the previous question when the config allows it.
func (c *Client) Back(ctx context.Context, questionnaireID, patientID string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodPost, c.sessionPath(questionnaireID, patientID, "back"), nil, &resp)
	return resp, err
}

// SessionView returns the current session state without changing it.
func (c *Client) SessionView(ctx context.Context, questionnaireID, patientID string) (View, error) {
	var resp View
	err := c.do(ctx, http.MethodGet, c.sessionPath(questionnaireID, patientID, ""), nil, &resp)
	return resp, err
}

// ListResponses returns responses matching the filters; empty filters match all.
func (c *Client) ListResponses(ctx context.Context, questionnaireID, patientID, status string) ([]Response, error) {
	q := url.Values{}
	if questionnaireID != "" {
		q.Set("questionnaire_id", questionnaireID)
	}
	if patientID != "" {
		q.Set("patient_id", patientID)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "v0/responses"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Response
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetResponse fetches a response by id.
func (c *Client) GetResponse(ctx context.Context, id string) (Response, error) {
	var resp Response
	err := c.do(ctx, http.MethodGet, "v0/responses/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ReviewResponse returns a completed response with its patient and notes.
func (c *Client) ReviewResponse(ctx context.Context, id string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodGet, "v0/responses/"+url.PathEscape(id)+"/review", nil, &resp)
	return resp, err
}

// AppendNote appends an evolution note to a completed response.
func (c *Client) AppendNote(ctx context.Context, responseID, content string) (Note, error) {
	body := map[string]any{"content": content}
	var resp Note
	endpoint := "v0/responses/" + url.PathEscape(responseID) + "/notes"
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// EditNote edits a note in place.
func (c *Client) EditNote(ctx context.Context, responseID, noteID, content string) (Note, error) {
	body := map[string]any{"content": content}
	var resp Note
	endpoint := fmt.Sprintf("v0/responses/%s/notes/%s", url.PathEscape(responseID), url.PathEscape(noteID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ListNotes returns a response's notes, newest first.
func (c *Client) ListNotes(ctx context.Context, responseID string) ([]Note, error) {
	var resp []Note
	endpoint := "v0/responses/" + url.PathEscape(responseID) + "/notes"
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSettings returns the clinic settings.
func (c *Client) GetSettings(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodGet, "v0/settings", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VideoMetadata resolves metadata for a video reference.
func (c *Client) VideoMetadata(ctx context.Context, ref string) (VideoInfo, error) {
	var resp VideoInfo
	err := c.do(ctx, http.MethodGet, "v0/videos/metadata?ref="+url.QueryEscape(ref), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
