package app

import (
	"context"
	"errors"
	"fmt"

	"anamnesis/internal/config"
	"anamnesis/internal/repo"
)

// ResolveQuestionnaireAndConfig picks the active questionnaire and ensures an
// intake config exists for it, seeding defaults when missing. It prefers the
// override, then the most recently created questionnaire in the workspace.
func ResolveQuestionnaireAndConfig(ctx context.Context, questionnaireOverride string, r repo.Repo) (string, *config.Config, error) {
	questionnaireID := questionnaireOverride
	if questionnaireID == "" {
		q, err := r.LatestQuestionnaire(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("no questionnaire in workspace; create one with ana questionnaire create")
			}
			return "", nil, err
		}
		questionnaireID = q.ID
	} else {
		if _, err := r.GetQuestionnaire(ctx, questionnaireID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetIntakeConfig(ctx, questionnaireID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(questionnaireID)
		if err := r.UpsertIntakeConfig(ctx, questionnaireID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed intake config: %w", err)
		}
	}
	cfg.Questionnaire.ID = questionnaireID
	return questionnaireID, cfg, nil
}
