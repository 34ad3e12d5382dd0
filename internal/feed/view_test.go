package feed

import (
	"testing"
	"time"

	"github.com/blackmichael/campusfeed/internal/domain"
)

func TestRelativeAge(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{at: now.Add(-10 * time.Second), want: "just now"},
		{at: now.Add(-5 * time.Minute), want: "5 minutes ago"},
		{at: now.Add(-3 * time.Hour), want: "3 hours ago"},
	}
	for _, tt := range tests {
		if got := RelativeAge(tt.at, now); got != tt.want {
			t.Fatalf("RelativeAge(%v) = %q, want %q", now.Sub(tt.at), got, tt.want)
		}
	}
}

func TestShareText(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{text: "exam moved", want: `"exam moved" - Read more on Amity Feed! https://feed.example`},
		{text: "he said \"hi\"\nbye", want: "\"he said \"hi\"\nbye\" - Read more on Amity Feed! https://feed.example"},
	}
	for _, tt := range tests {
		got := ShareText(domain.Post{Text: tt.text}, "Amity Feed", "https://feed.example")
		if got != tt.want {
			t.Fatalf("ShareText = %q, want %q", got, tt.want)
		}
	}
}
