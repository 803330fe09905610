package imagecodec

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTuneURL(t *testing.T) {
	t.Parallel()

	params := map[string]url.Values{
		"images.unsplash.com": {"fm": {"jpg"}, "w": {"1024"}},
		"cdn.example.com":     {"width": {"800"}},
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "forces host params",
			input:    "https://images.unsplash.com/photo-1?w=4000&ixid=abc",
			expected: "https://images.unsplash.com/photo-1?fm=jpg&ixid=abc&w=1024",
		},
		{
			name:     "matches host case-insensitively with port",
			input:    "https://CDN.example.com:8443/a.png",
			expected: "https://CDN.example.com:8443/a.png?width=800",
		},
		{
			name:     "leaves other hosts alone",
			input:    "https://shop.example.org/a.png?w=4000",
			expected: "https://shop.example.org/a.png?w=4000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, tuneURL(tt.input, params))
		})
	}
}
