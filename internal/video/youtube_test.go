package video_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"anamnesis/internal/video"
)

func TestVideoID(t *testing.T) {
	cases := map[string]string{
		"dQw4w9WgXcQ": "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ":       "dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ":                      "dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ":         "dQw4w9WgXcQ",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10s": "dQw4w9WgXcQ",
	}
	for ref, want := range cases {
		if got := video.VideoID(ref); got != want {
			t.Errorf("VideoID(%q) = %q, want %q", ref, got, want)
		}
	}
}

func TestResolveSnippet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "abc123" {
			t.Errorf("unexpected id %q", r.URL.Query().Get("id"))
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("unexpected key %q", r.URL.Query().Get("key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"snippet":{"title":"Intake intro","description":"Welcome","thumbnails":{"medium":{"url":"https://img/medium.jpg"}}}}]}`))
	}))
	defer srv.Close()

	r := video.NewYouTubeResolver("test-key")
	r.BaseURL = srv.URL
	info := r.Resolve(context.Background(), "abc123")
	if info.Title != "Intake intro" || info.Thumbnail != "https://img/medium.jpg" {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestResolveFallsBackToPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quotaExceeded"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	r := video.NewYouTubeResolver("test-key")
	r.BaseURL = srv.URL
	info := r.Resolve(context.Background(), "https://youtu.be/abc123")
	if info.Title != "Video abc123" {
		t.Fatalf("expected placeholder, got %+v", info)
	}

	// no key never even calls the provider
	r2 := video.NewYouTubeResolver("")
	r2.BaseURL = "http://127.0.0.1:0"
	info = r2.Resolve(context.Background(), "abc123")
	if info.Title != "Video abc123" {
		t.Fatalf("expected placeholder without key, got %+v", info)
	}

	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv2.Close()
	r3 := video.NewYouTubeResolver("test-key")
	r3.BaseURL = srv2.URL
	info = r3.Resolve(context.Background(), "missing")
	if info.Title != "Video missing" {
		t.Fatalf("expected placeholder for unknown video, got %+v", info)
	}
}
