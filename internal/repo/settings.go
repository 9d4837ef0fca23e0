package repo

import (
	"context"
	"database/sql"
	"time"

	"anamnesis/internal/domain"
)

const defaultCompanyName = "VideoAsk"

// GetSettings returns the stored branding row, or defaults when none exists.
func (r Repo) GetSettings(ctx context.Context) (domain.Settings, error) {
	var s domain.Settings
	var logo sql.NullString
	var intro, outro int
	err := r.DB.QueryRowContext(ctx, `SELECT company_name,logo_url,show_intro_video,show_outro_video,updated_at FROM settings WHERE id=1`).
		Scan(&s.CompanyName, &logo, &intro, &outro, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Settings{
			CompanyName:    defaultCompanyName,
			ShowIntroVideo: true,
			ShowOutroVideo: true,
		}, nil
	}
	if err != nil {
		return s, err
	}
	s.LogoURL = logo.String
	s.ShowIntroVideo = intro != 0
	s.ShowOutroVideo = outro != 0
	return s, nil
}

func (r Repo) UpsertSettings(ctx context.Context, s domain.Settings) (domain.Settings, error) {
	if s.CompanyName == "" {
		s.CompanyName = defaultCompanyName
	}
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO settings(id,company_name,logo_url,show_intro_video,show_outro_video,updated_at) VALUES (1,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET company_name=excluded.company_name, logo_url=excluded.logo_url,
show_intro_video=excluded.show_intro_video, show_outro_video=excluded.show_outro_video, updated_at=excluded.updated_at`,
		s.CompanyName, nullable(s.LogoURL), boolInt(s.ShowIntroVideo), boolInt(s.ShowOutroVideo), s.UpdatedAt)
	if err != nil {
		return s, err
	}
	return s, nil
}
