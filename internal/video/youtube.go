package video

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"anamnesis/internal/domain"
)

// Resolver turns an external video reference into displayable metadata.
// Implementations are best-effort: a failed lookup yields a placeholder, not
// an error, so the wizard never blocks on a metadata provider.
type Resolver interface {
	Resolve(ctx context.Context, videoRef string) domain.VideoInfo
}

const defaultBaseURL = "https://www.googleapis.com/youtube/v3"

// YouTubeResolver looks up video snippets through the YouTube Data API v3.
// With no API key every lookup resolves to the placeholder.
type YouTubeResolver struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

func NewYouTubeResolver(apiKey string) *YouTubeResolver {
	return &YouTubeResolver{
		APIKey:  apiKey,
		BaseURL: defaultBaseURL,
		Timeout: 5 * time.Second,
	}
}

// Placeholder is the metadata shown when a lookup cannot be made.
func Placeholder(videoRef string) domain.VideoInfo {
	return domain.VideoInfo{Title: "Video " + VideoID(videoRef)}
}

// VideoID extracts the bare video id from a reference, which may be a full
// watch URL, a youtu.be short link, an embed URL or already a bare id.
func VideoID(ref string) string {
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || u.Host == "" {
		return ref
	}
	switch {
	case strings.HasSuffix(u.Host, "youtu.be"):
		return strings.Trim(u.Path, "/")
	case strings.Contains(u.Path, "/embed/"):
		parts := strings.Split(u.Path, "/embed/")
		return strings.Trim(parts[len(parts)-1], "/")
	default:
		if v := u.Query().Get("v"); v != "" {
			return v
		}
	}
	return ref
}

type snippetResponse struct {
	Items []struct {
		Snippet struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Thumbnails  struct {
				Medium struct {
					URL string `json:"url"`
				} `json:"medium"`
				Default struct {
					URL string `json:"url"`
				} `json:"default"`
			} `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

func (r *YouTubeResolver) Resolve(ctx context.Context, videoRef string) domain.VideoInfo {
	info, err := r.lookup(ctx, videoRef)
	if err != nil {
		return Placeholder(videoRef)
	}
	return info
}

func (r *YouTubeResolver) lookup(ctx context.Context, videoRef string) (domain.VideoInfo, error) {
	if r.APIKey == "" {
		return domain.VideoInfo{}, fmt.Errorf("no api key")
	}
	id := VideoID(videoRef)
	if id == "" {
		return domain.VideoInfo{}, fmt.Errorf("empty video ref")
	}
	if r.HTTPClient == nil {
		timeout := r.Timeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		r.HTTPClient = &http.Client{Timeout: timeout}
	}
	base := r.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := fmt.Sprintf("%s/videos?part=snippet&id=%s&key=%s",
		strings.TrimRight(base, "/"), url.QueryEscape(id), url.QueryEscape(r.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.VideoInfo{}, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return domain.VideoInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return domain.VideoInfo{}, fmt.Errorf("youtube api: status=%d body=%s", resp.StatusCode, string(b))
	}
	var out snippetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.VideoInfo{}, err
	}
	if len(out.Items) == 0 {
		return domain.VideoInfo{}, fmt.Errorf("video %s not found", id)
	}
	s := out.Items[0].Snippet
	thumb := s.Thumbnails.Medium.URL
	if thumb == "" {
		thumb = s.Thumbnails.Default.URL
	}
	return domain.VideoInfo{Title: s.Title, Description: s.Description, Thumbnail: thumb}, nil
}
