package responder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcceptable(t *testing.T) {
	tests := []struct {
		name   string
		accept string
		want   bool
	}{
		{"activity json", "application/activity+json", true},
		{"ld json with profile", `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`, true},
		{"plain json", "application/json", true},
		{"no header", "", true},
		{"html only", "text/html", false},
		{"browser default", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8", false},
		{"html lower q than json", "text/html;q=0.5, application/activity+json", true},
		{"html higher q than json", "text/html, application/activity+json;q=0.5", false},
		{"equal q prefers json", "text/html;q=0.9, application/activity+json;q=0.9", true},
		{"image only", "image/png", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Acceptable(tt.accept))
		})
	}
}
