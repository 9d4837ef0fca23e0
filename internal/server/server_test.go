package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"anamnesis/internal/db"
	"anamnesis/internal/migrate"
	"anamnesis/internal/wizard"
)

type testServer struct {
	URL    string
	Engine wizard.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := wizard.New(conn, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedIntake(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/questionnaires", map[string]any{
		"id":          "q-1",
		"title":       "Initial intake",
		"intro_video": "intro-vid",
		"questions": []map[string]any{
			{"id": "s1", "title": "Chief complaint", "video_ref": "vid-1"},
			{"id": "s2", "title": "History", "video_ref": "vid-2"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create questionnaire: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/patients", map[string]any{
		"id":      "p-1",
		"name":    "Ada",
		"surname": "Moss",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register patient: %d %s", res.StatusCode, string(data))
	}
}

func TestIntakeFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	seedIntake(t, srv)

	base := srv.URL + "/v0/questionnaires/q-1/sessions/p-1"

	res, data := doJSON(t, client, http.MethodPost, base+"/begin", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("begin: %d %s", res.StatusCode, string(data))
	}
	var view wizard.View
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.State != wizard.StateIntro {
		t.Fatalf("expected intro state, got %s", view.State)
	}

	// unwatched intro blocks with 422 gate_not_satisfied
	res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "gate_not_satisfied" {
		t.Fatalf("expected gate_not_satisfied, got %q", envelope.Error.Code)
	}

	steps := []string{"s1", "s2"}
	if res, data = doJSON(t, client, http.MethodPost, base+"/watched", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("watch intro: %d %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("advance past intro: %d %s", res.StatusCode, string(data))
	}
	for i, step := range steps {
		if res, data = doJSON(t, client, http.MethodPost, base+"/watched", nil, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("watch %s: %d %s", step, res.StatusCode, string(data))
		}
		if res, data = doJSON(t, client, http.MethodPost, base+"/answer", map[string]any{
			"step_id": step, "text": "answer " + step,
		}, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("answer %s: %d %s", step, res.StatusCode, string(data))
		}
		body := map[string]any{}
		if i == len(steps)-1 {
			body["feedback"] = "all clear"
		}
		if res, data = doJSON(t, client, http.MethodPost, base+"/advance", body, nil); res.StatusCode != http.StatusOK {
			t.Fatalf("advance %s: %d %s", step, res.StatusCode, string(data))
		}
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal final view: %v", err)
	}
	if view.State != wizard.StateCompleted || view.ProgressPercent != 100 {
		t.Fatalf("expected completed view, got %+v", view)
	}

	// completed responses show up for review with the feedback persisted
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/responses?status=completed", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list responses: %d %s", res.StatusCode, string(data))
	}
	var listed []ResponseResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal responses: %v", err)
	}
	if len(listed) != 1 || listed[0].Feedback != "all clear" {
		t.Fatalf("unexpected responses: %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/responses/"+listed[0].ID+"/review", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review: %d %s", res.StatusCode, string(data))
	}
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if review.Patient.Status != "completed" || len(review.Response.Answers) != 2 {
		t.Fatalf("unexpected review: %+v", review)
	}
}

func TestNotesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	seedIntake(t, srv)

	base := srv.URL + "/v0/questionnaires/q-1/sessions/p-1"
	doJSON(t, client, http.MethodPost, base+"/begin", nil, nil)
	doJSON(t, client, http.MethodPost, base+"/watched", nil, nil)
	doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)

	// notes on an in-progress response are gated
	resp, err := srv.Engine.Repo.GetResponse(context.Background(), "q-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/responses/"+resp.ID+"/notes", map[string]any{
		"content": "too early",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}

	for _, step := range []string{"s1", "s2"} {
		doJSON(t, client, http.MethodPost, base+"/watched", nil, nil)
		doJSON(t, client, http.MethodPost, base+"/answer", map[string]any{"step_id": step, "text": "done"}, nil)
		doJSON(t, client, http.MethodPost, base+"/advance", map[string]any{}, nil)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/responses/"+resp.ID+"/notes", map[string]any{
		"content": "patient stable",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("append note: %d %s", res.StatusCode, string(data))
	}
	var note NoteResponse
	if err := json.Unmarshal(data, &note); err != nil {
		t.Fatalf("unmarshal note: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/responses/"+resp.ID+"/notes/"+note.ID, map[string]any{
		"content": "patient stable, reviewed",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit note: %d %s", res.StatusCode, string(data))
	}
	var edited NoteResponse
	_ = json.Unmarshal(data, &edited)
	if edited.LastEditedAt == nil || edited.Content != "patient stable, reviewed" {
		t.Fatalf("edit not recorded: %+v", edited)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/responses/"+resp.ID+"/notes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list notes: %d %s", res.StatusCode, string(data))
	}
	var notes []NoteResponse
	if err := json.Unmarshal(data, &notes); err != nil {
		t.Fatalf("unmarshal notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
}

func TestRoleEnforcementWithJWT(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	// no credentials: 401
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/patients", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dr-jones", "role": "clinician",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	clinician := map[string]string{"Authorization": "Bearer " + login.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/patients", nil, clinician)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("clinician list patients: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "p-1", "role": "respondent",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("respondent login: %d %s", res.StatusCode, string(data))
	}
	var respondentLogin DevLoginResponse
	_ = json.Unmarshal(data, &respondentLogin)
	respondent := map[string]string{"Authorization": "Bearer " + respondentLogin.Token}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/patients", nil, respondent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for respondent, got %d %s", res.StatusCode, string(data))
	}

	// respondent tokens are scoped to their own patient id
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/questionnaires", map[string]any{
		"id":    "q-1",
		"title": "Initial intake",
		"questions": []map[string]any{
			{"id": "s1", "title": "Chief complaint", "video_ref": "vid-1"},
		},
	}, clinician)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create questionnaire: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/patients", map[string]any{
		"id": "p-1", "name": "Ada", "surname": "Moss",
	}, clinician)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register patient: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/questionnaires/q-1/sessions/p-1/begin", nil, respondent)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("respondent own session: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/questionnaires/q-1/sessions/p-2/begin", nil, respondent)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign session, got %d %s", res.StatusCode, string(data))
	}
}

func TestVideoMetadataPlaceholder(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/videos/metadata?ref=abc123", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metadata: %d %s", res.StatusCode, string(data))
	}
	var info VideoInfoResponse
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if info.Title != "Video abc123" {
		t.Fatalf("expected placeholder title, got %+v", info)
	}
}
