package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"anamnesis/internal/app"
	"anamnesis/internal/config"
	"anamnesis/internal/db"
	"anamnesis/internal/domain"
	"anamnesis/internal/migrate"
	"anamnesis/internal/repo"
	"anamnesis/internal/server"
	"anamnesis/internal/video"
	"anamnesis/internal/wizard"
)

var rootCmd = &cobra.Command{
	Use:   "ana",
	Short: "Anamnesis CLI",
	Long: `Anamnesis runs video-guided patient intake questionnaires.
Core concepts:
- Workspace: the .anamnesis directory holding the database; intake configs live in the DB and are imported explicitly.
- Questionnaire: an ordered list of question steps, each backed by a video, plus optional intro/outro videos.
- Session: one patient walking through one questionnaire; progress survives interruptions and resumes on the same step.
- Gating: a step is passed only after its video ended and a non-empty answer was given; the rules live in the intake config.
- Response: the stored answers, feedback and completion state; duplicate sessions for the same pair are rejected.
- Evolution notes: an append-only clinician log attached to a completed response.
- Event log: diary of changes, view with 'ana log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ANAMNESIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("questionnaire", "", "questionnaire id (defaults to the latest in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("questionnaire", rootCmd.PersistentFlags().Lookup("questionnaire"))
}

func registerCommands() {
	rootCmd.AddCommand(questionnaireCmd())
	rootCmd.AddCommand(patientCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(responseCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(videoCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- questionnaire ---

func questionnaireCmd() *cobra.Command {
	q := &cobra.Command{
		Use:   "questionnaire",
		Short: "Manage questionnaires",
		Long:  "Questionnaires hold the ordered question steps and their videos. Question order is fixed at creation.",
	}
	q.AddCommand(questionnaireCreateCmd())
	q.AddCommand(questionnaireListCmd())
	q.AddCommand(questionnaireShowCmd())
	q.AddCommand(questionnaireDeleteCmd())
	q.AddCommand(questionnaireStatusCmd())
	q.AddCommand(questionnaireConfigCmd())
	return q
}

// parseQuestionFlag splits "id|title|video_ref[|description]".
func parseQuestionFlag(raw string) (domain.Question, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) < 3 {
		return domain.Question{}, fmt.Errorf("invalid --question %q; expected id|title|video_ref[|description]", raw)
	}
	q := domain.Question{
		ID:       strings.TrimSpace(parts[0]),
		Title:    strings.TrimSpace(parts[1]),
		VideoRef: strings.TrimSpace(parts[2]),
	}
	if len(parts) == 4 {
		q.Description = strings.TrimSpace(parts[3])
	}
	return q, nil
}

func questionnaireCreateCmd() *cobra.Command {
	var id, title, desc, intro, outro string
	var questions []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create questionnaire",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			if len(questions) == 0 {
				return fmt.Errorf("at least one --question required")
			}
			q := domain.Questionnaire{
				ID:          id,
				Title:       title,
				Description: desc,
				IntroVideo:  intro,
				OutroVideo:  outro,
			}
			for _, raw := range questions {
				step, err := parseQuestionFlag(raw)
				if err != nil {
					return err
				}
				q.Questions = append(q.Questions, step)
			}
			// no config resolution here, the workspace may still be empty
			return withNewEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				created, err := e.CreateQuestionnaire(ctx, q, nil, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "questionnaire id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&intro, "intro-video", "", "intro video reference")
	cmd.Flags().StringVar(&outro, "outro-video", "", "outro video reference")
	cmd.Flags().StringArrayVar(&questions, "question", []string{}, "question step as id|title|video_ref[|description] (repeatable, kept in order)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func questionnaireListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questionnaires",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListQuestionnaires(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Created"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.ID, q.Title, q.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func questionnaireShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a questionnaire with its steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				q, err := e.Repo.GetQuestionnaire(ctx, e.Config.Questionnaire.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(q)
			})
		},
	}
	return cmd
}

func questionnaireDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a questionnaire",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("questionnaire")
			if target == "" {
				return fmt.Errorf("--questionnaire required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteQuestionnaire(ctx, target)
			})
		},
	}
	return cmd
}

func questionnaireStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show response counts for a questionnaire",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				q, err := e.Repo.GetQuestionnaire(ctx, e.Config.Questionnaire.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountResponsesByStatus(ctx, q.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"questionnaire_id": q.ID,
					"title":            q.Title,
					"steps":            len(q.Questions),
					"response_counts":  counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Questionnaire: %s (%s)\n", q.ID, q.Title)
				fmt.Printf("Steps: %d\n", len(q.Questions))
				fmt.Println("Responses:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func questionnaireConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the intake config",
		Long:  "The intake config is the rulebook for one questionnaire: which videos must be watched, how long answers must be, whether back navigation is allowed. Stored in the DB; import from anamnesis.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			var err error
			if file == "" {
				cfg, err = config.Load(viper.GetString("workspace"))
			} else {
				var data []byte
				if data, err = os.ReadFile(file); err == nil {
					cfg, err = config.FromYAML(data)
				}
			}
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertIntakeConfig(ctx, cfg.Questionnaire.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for questionnaire %s\n", cfg.Questionnaire.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file (defaults to anamnesis.yml in the workspace)")
	return cmd
}

func configExportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				if file == "" {
					fmt.Print(string(data))
					return nil
				}
				return os.WriteFile(file, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "output file (stdout when omitted)")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- patient ---

func patientCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "patient",
		Short: "Manage patients",
		Long:  "Patients are registered once and flip from pending to completed when they finish a questionnaire.",
	}
	p.AddCommand(patientRegisterCmd())
	p.AddCommand(patientListCmd())
	p.AddCommand(patientShowCmd())
	return p
}

func patientRegisterCmd() *cobra.Command {
	var p domain.Patient
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNewEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				created, err := e.RegisterPatient(ctx, p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "patient id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&p.Name, "name", "", "first name")
	cmd.Flags().StringVar(&p.Surname, "surname", "", "surname")
	cmd.Flags().StringVar(&p.BirthDate, "birth-date", "", "birth date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&p.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&p.Address, "address", "", "address")
	cmd.Flags().StringVar(&p.Email, "email", "", "email")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("surname")
	return cmd
}

func patientListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPatients(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Surname", "Status", "Registered"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Surname, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, completed)")
	return cmd
}

func patientShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPatient(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "patient id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- session ---

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Drive a patient session",
		Long:  "A session walks one patient through one questionnaire: begin, watch, answer, advance. Interrupted sessions resume on the same step with the video gate re-armed.",
	}
	s.AddCommand(sessionBeginCmd())
	s.AddCommand(sessionWatchCmd())
	s.AddCommand(sessionAnswerCmd())
	s.AddCommand(sessionAdvanceCmd())
	s.AddCommand(sessionBackCmd())
	s.AddCommand(sessionViewCmd())
	return s
}

func sessionPatientFlag(cmd *cobra.Command, patient *string) {
	cmd.Flags().StringVar(patient, "patient", "", "patient id")
	_ = cmd.MarkFlagRequired("patient")
}

func printView(v wizard.View) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	switch v.State {
	case wizard.StateIntro:
		fmt.Println("State: intro video")
	case wizard.StateCompleted:
		fmt.Println("State: completed")
	default:
		fmt.Printf("State: question %d/%d (%s)\n", v.StepIndex+1, v.TotalSteps, v.Step.Title)
		fmt.Printf("Video: %s (watched: %v)\n", v.Step.VideoRef, v.VideoWatched)
	}
	fmt.Printf("Progress: %d%%\n", v.ProgressPercent)
	if !v.CanAdvance && v.GateReason != "" {
		fmt.Printf("Blocked: %s\n", v.GateReason)
	}
	return nil
}

func sessionBeginCmd() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin or resume a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.BeginSession(ctx, e.Config.Questionnaire.ID, patient, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	return cmd
}

func sessionWatchCmd() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Mark the current video as watched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.MarkWatched(ctx, e.Config.Questionnaire.ID, patient, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	return cmd
}

func sessionAnswerCmd() *cobra.Command {
	var patient, step, text string
	cmd := &cobra.Command{
		Use:   "answer",
		Short: "Submit the answer for the current step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.SubmitAnswer(ctx, e.Config.Questionnaire.ID, patient, step, text, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	cmd.Flags().StringVar(&step, "step", "", "step id")
	cmd.Flags().StringVar(&text, "text", "", "answer text")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func sessionAdvanceCmd() *cobra.Command {
	var patient, feedback string
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Advance to the next step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.Advance(ctx, e.Config.Questionnaire.ID, patient, feedback, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	cmd.Flags().StringVar(&feedback, "feedback", "", "final feedback (only used on the last step)")
	return cmd
}

func sessionBackCmd() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "back",
		Short: "Step back to the previous question",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.Back(ctx, e.Config.Questionnaire.ID, patient, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	return cmd
}

func sessionViewCmd() *cobra.Command {
	var patient string
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Show the current session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				v, err := e.CurrentView(ctx, e.Config.Questionnaire.ID, patient)
				if err != nil {
					return err
				}
				return printView(v)
			})
		},
	}
	sessionPatientFlag(cmd, &patient)
	return cmd
}

// --- response ---

func responseCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "response",
		Short: "Inspect responses",
	}
	r.AddCommand(responseListCmd())
	r.AddCommand(responseShowCmd())
	r.AddCommand(responseReviewCmd())
	r.AddCommand(responseDeleteCmd())
	return r
}

func responseListCmd() *cobra.Command {
	var f repo.ResponseFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if f.QuestionnaireID == "" {
					f.QuestionnaireID = viper.GetString("questionnaire")
				}
				items, err := r.ListResponses(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Patient", "Step", "Status", "Started"})
				for _, resp := range items {
					tw.AppendRow(table.Row{resp.ID, resp.PatientID, resp.StepIndex, resp.Status, resp.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.QuestionnaireID, "questionnaire-id", "", "questionnaire filter")
	cmd.Flags().StringVar(&f.PatientID, "patient", "", "patient filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (in_progress, completed)")
	return cmd
}

func responseShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				resp, err := r.GetResponseByID(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "response id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func responseReviewCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Review a completed response with its notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				review, err := e.ReviewCompleted(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(review)
				}
				fmt.Printf("Patient: %s %s (%s)\n", review.Patient.Name, review.Patient.Surname, review.Patient.Status)
				fmt.Printf("Completed: %s\n", strPtrValue(review.Response.CompletedAt))
				if review.Response.Feedback != "" {
					fmt.Printf("Feedback: %s\n", review.Response.Feedback)
				}
				fmt.Println("Answers:")
				for step, answer := range review.Response.Answers {
					fmt.Printf("  %s: %s\n", step, answer)
				}
				fmt.Printf("Notes (%d, newest first):\n", len(review.Notes))
				for _, n := range review.Notes {
					edited := ""
					if n.LastEditedAt != nil {
						edited = fmt.Sprintf(" (edited %s)", *n.LastEditedAt)
					}
					fmt.Printf("  [%s]%s %s\n", n.CreatedAt, edited, n.Content)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "response id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func responseDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a response",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteResponse(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "response id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- notes ---

func noteCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "note",
		Short: "Evolution notes",
		Long:  "Evolution notes are the clinician's append-only log on a completed response. Entries can be edited in place but never reordered or overwritten by another writer.",
	}
	n.AddCommand(noteAddCmd())
	n.AddCommand(noteEditCmd())
	n.AddCommand(noteListCmd())
	return n
}

func noteAddCmd() *cobra.Command {
	var responseID, content string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				note, err := e.AppendNote(ctx, responseID, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(note)
			})
		},
	}
	cmd.Flags().StringVar(&responseID, "response", "", "response id")
	cmd.Flags().StringVar(&content, "content", "", "note text")
	_ = cmd.MarkFlagRequired("response")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func noteEditCmd() *cobra.Command {
	var responseID, noteID, content string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit a note in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e wizard.Engine) error {
				note, err := e.EditNote(ctx, responseID, noteID, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(note)
			})
		},
	}
	cmd.Flags().StringVar(&responseID, "response", "", "response id")
	cmd.Flags().StringVar(&noteID, "id", "", "note id")
	cmd.Flags().StringVar(&content, "content", "", "new note text")
	_ = cmd.MarkFlagRequired("response")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func noteListCmd() *cobra.Command {
	var responseID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotes(ctx, responseID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&responseID, "response", "", "response id")
	_ = cmd.MarkFlagRequired("response")
	return cmd
}

// --- settings ---

func settingsCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "settings",
		Short: "Clinic settings",
	}
	s.AddCommand(settingsShowCmd())
	s.AddCommand(settingsUpdateCmd())
	return s
}

func settingsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show clinic settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSettings(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func settingsUpdateCmd() *cobra.Command {
	var companyName, logoURL string
	var showIntro, showOutro bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update clinic settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				current, err := r.GetSettings(ctx)
				if err != nil {
					return err
				}
				if cmd.Flags().Changed("company-name") {
					current.CompanyName = companyName
				}
				if cmd.Flags().Changed("logo-url") {
					current.LogoURL = logoURL
				}
				if cmd.Flags().Changed("show-intro-video") {
					current.ShowIntroVideo = showIntro
				}
				if cmd.Flags().Changed("show-outro-video") {
					current.ShowOutroVideo = showOutro
				}
				saved, err := r.UpsertSettings(ctx, current)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&companyName, "company-name", "", "company name")
	cmd.Flags().StringVar(&logoURL, "logo-url", "", "logo URL")
	cmd.Flags().BoolVar(&showIntro, "show-intro-video", true, "show intro videos")
	cmd.Flags().BoolVar(&showOutro, "show-outro-video", true, "show outro videos")
	return cmd
}

// --- video ---

func videoCmd() *cobra.Command {
	v := &cobra.Command{
		Use:   "video",
		Short: "Video metadata",
	}
	v.AddCommand(videoInfoCmd())
	return v
}

func videoInfoCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Resolve metadata for a video reference",
		Long:  "Looks the reference up through the YouTube Data API when ANAMNESIS_YOUTUBE_API_KEY is set; otherwise prints placeholder metadata.",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := video.NewYouTubeResolver(os.Getenv("ANAMNESIS_YOUTUBE_API_KEY"))
			info := resolver.Resolve(cmd.Context(), ref)
			return printJSONOrTable(info)
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "video reference (id or URL)")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String() + uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// the secret is only printed once, never stored
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"secret":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: sessions, answers, completions, notes.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, viper.GetString("questionnaire"), evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			var cfg *config.Config
			if _, resolved, err := app.ResolveQuestionnaireAndConfig(cmd.Context(), viper.GetString("questionnaire"), r); err == nil {
				cfg = resolved
			}
			e := wizard.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ANAMNESIS_JWT_SECRET")}
			resolver := video.NewYouTubeResolver(os.Getenv("ANAMNESIS_YOUTUBE_API_KEY"))
			handler, err := server.New(server.Config{Engine: e, Video: resolver, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Anamnesis API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if authCfg.JWTSecret == "" {
				fmt.Println("WARNING: ANAMNESIS_JWT_SECRET not set; running in dev mode, unauthenticated requests act as a local clinician")
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, wizard.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveQuestionnaireAndConfig(ctx, viper.GetString("questionnaire"), r)
	if err != nil {
		return err
	}
	e := wizard.New(conn, cfg)
	return fn(ctx, e)
}

// withNewEngine opens the workspace without resolving a questionnaire config.
func withNewEngine(ctx context.Context, fn func(context.Context, wizard.Engine) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, wizard.New(conn, nil))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func strPtrValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
