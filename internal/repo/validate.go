package repo

import (
	"fmt"
	"strings"

	"anamnesis/internal/domain"
)

// Input shapes are validated here, at the store boundary, instead of trusting
// whatever the transport handed over.

func ValidateQuestionnaire(q domain.Questionnaire) error {
	if strings.TrimSpace(q.ID) == "" {
		return fmt.Errorf("questionnaire id is required")
	}
	if strings.TrimSpace(q.Title) == "" {
		return fmt.Errorf("questionnaire title is required")
	}
	seen := map[string]bool{}
	for i, step := range q.Questions {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("question %d: id is required", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("question id %s is duplicated", step.ID)
		}
		seen[step.ID] = true
		if strings.TrimSpace(step.Title) == "" {
			return fmt.Errorf("question %s: title is required", step.ID)
		}
		if strings.TrimSpace(step.VideoRef) == "" {
			return fmt.Errorf("question %s: video_ref is required", step.ID)
		}
	}
	return nil
}

func ValidatePatient(p domain.Patient) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("patient id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("patient name is required")
	}
	if strings.TrimSpace(p.Surname) == "" {
		return fmt.Errorf("patient surname is required")
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return fmt.Errorf("patient email is malformed")
	}
	switch p.Status {
	case domain.PatientPending, domain.PatientCompleted:
	default:
		return fmt.Errorf("patient status %q is invalid", p.Status)
	}
	return nil
}
