package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"anamnesis/internal/config"
	"anamnesis/internal/domain"
	"anamnesis/internal/repo"
	"anamnesis/internal/video"
	"anamnesis/internal/wizard"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   wizard.Engine
	Video    video.Resolver
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_not_satisfied"`
	Message string         `json:"message" example:"step s1 has no answer"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Anamnesis API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Anamnesis API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerQuestionnaires(group, cfg.Engine)
	registerPatients(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerResponses(group, cfg.Engine)
	registerNotes(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerVideos(group, cfg.Video)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ge wizard.GateError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusUnprocessableEntity, "gate_not_satisfied", err.Error(), map[string]any{"reason": ge.Reason})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, wizard.ErrInvalidInput) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "gate_not_satisfied"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{}
	for _, p := range []string{"health", "auth/dev/login"} {
		route := path.Join(basePath, p)
		if !strings.HasPrefix(route, "/") {
			route = "/" + route
		}
		openPaths[route] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Anamnesis API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerQuestionnaires(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-questionnaire",
		Method:        http.MethodPost,
		Path:          "/questionnaires",
		Summary:       "Create questionnaire",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateQuestionnaireRequest `json:"body"`
	}) (*struct {
		Body QuestionnaireResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if len(input.Body.Questions) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "questions are required", nil)
		}
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q := domain.Questionnaire{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			IntroVideo:  stringOrEmpty(input.Body.IntroVideo),
			OutroVideo:  stringOrEmpty(input.Body.OutroVideo),
		}
		for _, step := range input.Body.Questions {
			q.Questions = append(q.Questions, domain.Question{
				ID:          step.ID,
				Title:       step.Title,
				Description: stringOrEmpty(step.Description),
				VideoRef:    step.VideoRef,
			})
		}
		created, err := e.CreateQuestionnaire(ctx, q, nil, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionnaireResponse `json:"body"`
		}{Body: questionnaireResponse(created)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-questionnaires",
		Method:      http.MethodGet,
		Path:        "/questionnaires",
		Summary:     "List questionnaires",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []QuestionnaireResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListQuestionnaires(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QuestionnaireResponse `json:"body"`
		}{Body: mapQuestionnaires(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-questionnaire",
		Method:      http.MethodGet,
		Path:        "/questionnaires/{questionnaire_id}",
		Summary:     "Get questionnaire",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `path:"questionnaire_id"`
	}) (*struct {
		Body QuestionnaireResponse `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuestionnaire(ctx, input.QuestionnaireID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestionnaireResponse `json:"body"`
		}{Body: questionnaireResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-questionnaire",
		Method:      http.MethodDelete,
		Path:        "/questionnaires/{questionnaire_id}",
		Summary:     "Delete questionnaire",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `path:"questionnaire_id"`
	}) (*struct{}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteQuestionnaire(ctx, input.QuestionnaireID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intake-config",
		Method:      http.MethodGet,
		Path:        "/questionnaires/{questionnaire_id}/config",
		Summary:     "Get intake config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `path:"questionnaire_id"`
	}) (*struct {
		Body IntakeConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetIntakeConfig(ctx, input.QuestionnaireID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-intake-config",
		Method:      http.MethodPut,
		Path:        "/questionnaires/{questionnaire_id}/config",
		Summary:     "Update intake config",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `path:"questionnaire_id"`
		Body            struct {
			RequireIntroWatched bool `json:"require_intro_watched"`
			RequireStepWatched  bool `json:"require_step_watched"`
			MinAnswerWords      int  `json:"min_answer_words"`
			AllowBack           bool `json:"allow_back"`
		} `json:"body"`
	}) (*struct {
		Body IntakeConfigResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetQuestionnaire(ctx, input.QuestionnaireID); err != nil {
			return nil, handleError(err)
		}
		cfg := config.Default(input.QuestionnaireID)
		cfg.Gating.RequireIntroWatched = input.Body.RequireIntroWatched
		cfg.Gating.RequireStepWatched = input.Body.RequireStepWatched
		cfg.Gating.MinAnswerWords = input.Body.MinAnswerWords
		cfg.Gating.AllowBack = input.Body.AllowBack
		if err := e.Repo.UpsertIntakeConfig(ctx, input.QuestionnaireID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IntakeConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "questionnaire-status",
		Method:      http.MethodGet,
		Path:        "/questionnaires/{questionnaire_id}/status",
		Summary:     "Questionnaire status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `path:"questionnaire_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuestionnaire(ctx, input.QuestionnaireID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountResponsesByStatus(ctx, q.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"questionnaire_id": q.ID,
			"title":            q.Title,
			"steps":            len(q.Questions),
			"response_counts":  counts,
		}}, nil
	})
}

func registerPatients(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-patient",
		Method:        http.MethodPost,
		Path:          "/patients",
		Summary:       "Register patient",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterPatientRequest `json:"body"`
	}) (*struct {
		Body PatientResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RegisterPatient(ctx, domain.Patient{
			ID:        stringOrEmpty(input.Body.ID),
			Name:      input.Body.Name,
			Surname:   input.Body.Surname,
			BirthDate: stringOrEmpty(input.Body.BirthDate),
			Phone:     stringOrEmpty(input.Body.Phone),
			Address:   stringOrEmpty(input.Body.Address),
			Email:     stringOrEmpty(input.Body.Email),
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PatientResponse `json:"body"`
		}{Body: patientResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-patients",
		Method:      http.MethodGet,
		Path:        "/patients",
		Summary:     "List patients",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,completed,"`
	}) (*struct {
		Body []PatientResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListPatients(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PatientResponse `json:"body"`
		}{Body: mapPatients(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-patient",
		Method:      http.MethodGet,
		Path:        "/patients/{patient_id}",
		Summary:     "Get patient",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PatientID string `path:"patient_id"`
	}) (*struct {
		Body PatientResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPatient(ctx, input.PatientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PatientResponse `json:"body"`
		}{Body: patientResponse(p)}, nil
	})
}

func registerSessions(api huma.API, e wizard.Engine) {
	type sessionPath struct {
		QuestionnaireID string `path:"questionnaire_id"`
		PatientID       string `path:"patient_id"`
	}
	type sessionOutput struct {
		Body wizard.View `json:"body"`
	}
	sessionErrors := []int{
		http.StatusBadRequest,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "begin-session",
		Method:      http.MethodPost,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}/begin",
		Summary:     "Begin or resume a session",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.BeginSession(ctx, input.QuestionnaireID, input.PatientID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-view",
		Method:      http.MethodGet,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}",
		Summary:     "Current session view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		v, err := e.CurrentView(ctx, input.QuestionnaireID, input.PatientID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-watched",
		Method:      http.MethodPost,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}/watched",
		Summary:     "Mark the current video as watched",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.MarkWatched(ctx, input.QuestionnaireID, input.PatientID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-answer",
		Method:      http.MethodPost,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}/answer",
		Summary:     "Submit the answer for the current step",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string              `path:"questionnaire_id"`
		PatientID       string              `path:"patient_id"`
		Body            SubmitAnswerRequest `json:"body"`
	}) (*sessionOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.StepID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "step_id is required", nil)
		}
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.SubmitAnswer(ctx, input.QuestionnaireID, input.PatientID, input.Body.StepID, input.Body.Text, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-advance",
		Method:      http.MethodPost,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}/advance",
		Summary:     "Advance to the next step",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string         `path:"questionnaire_id"`
		PatientID       string         `path:"patient_id"`
		Body            AdvanceRequest `json:"body,omitempty"`
	}) (*sessionOutput, error) {
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Advance(ctx, input.QuestionnaireID, input.PatientID, stringOrEmpty(input.Body.Feedback), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-back",
		Method:      http.MethodPost,
		Path:        "/questionnaires/{questionnaire_id}/sessions/{patient_id}/back",
		Summary:     "Step back to the previous question",
		Errors:      sessionErrors,
	}, func(ctx context.Context, input *sessionPath) (*sessionOutput, error) {
		if err := requireSessionAccess(ctx, input.PatientID); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.Back(ctx, input.QuestionnaireID, input.PatientID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &sessionOutput{Body: v}, nil
	})
}

func registerResponses(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-responses",
		Method:      http.MethodGet,
		Path:        "/responses",
		Summary:     "List responses",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `query:"questionnaire_id"`
		PatientID       string `query:"patient_id"`
		Status          string `query:"status" enum:"in_progress,completed,"`
	}) (*struct {
		Body []ResponseResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.ListResponses(ctx, repo.ResponseFilters{
			QuestionnaireID: input.QuestionnaireID,
			PatientID:       input.PatientID,
			Status:          input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ResponseResponse `json:"body"`
		}{Body: mapResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-response",
		Method:      http.MethodGet,
		Path:        "/responses/{response_id}",
		Summary:     "Get response",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResponseID string `path:"response_id"`
	}) (*struct {
		Body ResponseResponse `json:"body"`
	}, error) {
		r, err := e.Repo.GetResponseByID(ctx, input.ResponseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResponseResponse `json:"body"`
		}{Body: responseResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-response",
		Method:      http.MethodGet,
		Path:        "/responses/{response_id}/review",
		Summary:     "Review a completed response",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResponseID string `path:"response_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		review, err := e.ReviewCompleted(ctx, input.ResponseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(review)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-response",
		Method:      http.MethodDelete,
		Path:        "/responses/{response_id}",
		Summary:     "Delete response",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResponseID string `path:"response_id"`
	}) (*struct{}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteResponse(ctx, input.ResponseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerNotes(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-note",
		Method:        http.MethodPost,
		Path:          "/responses/{response_id}/notes",
		Summary:       "Append evolution note",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResponseID string      `path:"response_id"`
		Body       NoteRequest `json:"body"`
	}) (*struct {
		Body NoteResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note, err := e.AppendNote(ctx, input.ResponseID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NoteResponse `json:"body"`
		}{Body: noteResponse(note)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-note",
		Method:      http.MethodPatch,
		Path:        "/responses/{response_id}/notes/{note_id}",
		Summary:     "Edit evolution note",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ResponseID string      `path:"response_id"`
		NoteID     string      `path:"note_id"`
		Body       NoteRequest `json:"body"`
	}) (*struct {
		Body NoteResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		note, err := e.EditNote(ctx, input.ResponseID, input.NoteID, input.Body.Content, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NoteResponse `json:"body"`
		}{Body: noteResponse(note)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/responses/{response_id}/notes",
		Summary:     "List evolution notes",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ResponseID string `path:"response_id"`
	}) (*struct {
		Body []NoteResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		if _, err := e.Repo.GetResponseByID(ctx, input.ResponseID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListNotes(ctx, input.ResponseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []NoteResponse `json:"body"`
		}{Body: mapNotes(items)}, nil
	})
}

func registerSettings(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "Get clinic settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: settingsResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-settings",
		Method:      http.MethodPut,
		Path:        "/settings",
		Summary:     "Update clinic settings",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateSettingsRequest `json:"body"`
	}) (*struct {
		Body SettingsResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		current, err := e.Repo.GetSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.CompanyName != nil {
			current.CompanyName = *input.Body.CompanyName
		}
		if input.Body.LogoURL != nil {
			current.LogoURL = *input.Body.LogoURL
		}
		if input.Body.ShowIntroVideo != nil {
			current.ShowIntroVideo = *input.Body.ShowIntroVideo
		}
		if input.Body.ShowOutroVideo != nil {
			current.ShowOutroVideo = *input.Body.ShowOutroVideo
		}
		saved, err := e.Repo.UpsertSettings(ctx, current)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettingsResponse `json:"body"`
		}{Body: settingsResponse(saved)}, nil
	})
}

func registerVideos(api huma.API, resolver video.Resolver) {
	huma.Register(api, huma.Operation{
		OperationID: "video-metadata",
		Method:      http.MethodGet,
		Path:        "/videos/metadata",
		Summary:     "Resolve video metadata",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Ref string `query:"ref"`
	}) (*struct {
		Body VideoInfoResponse `json:"body"`
	}, error) {
		ref := strings.TrimSpace(input.Ref)
		if ref == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ref is required", nil)
		}
		if decoded, err := url.QueryUnescape(ref); err == nil {
			ref = decoded
		}
		info := video.Placeholder(ref)
		if resolver != nil {
			info = resolver.Resolve(ctx, ref)
		}
		return &struct {
			Body VideoInfoResponse `json:"body"`
		}{Body: VideoInfoResponse{
			VideoRef:    ref,
			Title:       info.Title,
			Description: info.Description,
			Thumbnail:   info.Thumbnail,
		}}, nil
	})
}

func registerEvents(api huma.API, e wizard.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		QuestionnaireID string `query:"questionnaire_id"`
		Type            string `query:"type"`
		EntityKind      string `query:"entity_kind" enum:"questionnaire,patient,response,note,"`
		EntityID        string `query:"entity_id"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if err := requireClinician(ctx); err != nil {
			return nil, err
		}
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.QuestionnaireID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role := input.Body.Role
		if role == "" {
			role = RoleRespondent
		}
		token, err := signToken(authCfg.JWTSecret, actor, role, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
