package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	base := Rule{ChatID: -100, Enabled: true, MatchMode: MatchAll}

	tests := []struct {
		name    string
		mutate  func(r *Rule)
		subject Subject
		want    bool
	}{
		{
			name:    "no filters matches everything",
			subject: Subject{FileName: "movie.mkv", Size: 10},
			want:    true,
		},
		{
			name:    "disabled rule never matches",
			mutate:  func(r *Rule) { r.Enabled = false },
			subject: Subject{FileName: "movie.mkv"},
			want:    false,
		},
		{
			name:    "extension in allow list",
			mutate:  func(r *Rule) { r.IncludeExtensions = "mp4, MKV" },
			subject: Subject{FileName: "Movie.MKV"},
			want:    true,
		},
		{
			name:    "extension not in allow list",
			mutate:  func(r *Rule) { r.IncludeExtensions = "mp4" },
			subject: Subject{FileName: "movie.mkv"},
			want:    false,
		},
		{
			name:    "extension filter rejects names without extension",
			mutate:  func(r *Rule) { r.IncludeExtensions = "mp4" },
			subject: Subject{FileName: "README"},
			want:    false,
		},
		{
			name:    "below minimum size",
			mutate:  func(r *Rule) { r.MinSizeBytes = 100 },
			subject: Subject{FileName: "a.bin", Size: 99},
			want:    false,
		},
		{
			name:    "above maximum size",
			mutate:  func(r *Rule) { r.MaxSizeBytes = 100 },
			subject: Subject{FileName: "a.bin", Size: 101},
			want:    false,
		},
		{
			name:    "within size range",
			mutate:  func(r *Rule) { r.MinSizeBytes, r.MaxSizeBytes = 10, 100 },
			subject: Subject{FileName: "a.bin", Size: 100},
			want:    true,
		},
		{
			name: "include keyword found in caption",
			mutate: func(r *Rule) {
				r.MatchMode = MatchInclude
				r.IncludeKeywords = "1080p,4k"
			},
			subject: Subject{FileName: "show.mkv", Text: "New episode 4K"},
			want:    true,
		},
		{
			name: "include keyword missing",
			mutate: func(r *Rule) {
				r.MatchMode = MatchInclude
				r.IncludeKeywords = "1080p"
			},
			subject: Subject{FileName: "show.mkv", Text: "720p"},
			want:    false,
		},
		{
			name: "exclude keyword present",
			mutate: func(r *Rule) {
				r.MatchMode = MatchExclude
				r.ExcludeKeywords = "sample"
			},
			subject: Subject{FileName: "show-SAMPLE.mkv"},
			want:    false,
		},
		{
			name: "keywords ignored in all mode",
			mutate: func(r *Rule) {
				r.ExcludeKeywords = "sample"
			},
			subject: Subject{FileName: "show-sample.mkv"},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := base
			if tt.mutate != nil {
				tt.mutate(&rule)
			}

			assert.Equal(t, tt.want, Match(rule, tt.subject))
		})
	}
}

func TestRenderFileName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	subject := Subject{MessageID: 42, ChatTitle: "Movies/HD", FileName: "film.mp4"}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{name: "default template", want: "42_film.mp4"},
		{name: "chat title is sanitized", template: "{chat_title}_{file_name}", want: "Movies_HD_film.mp4"},
		{name: "extension preserved", template: "{message_id}_{timestamp}", want: "42_1700000000.mp4"},
		{name: "unknown placeholders left alone", template: "{task_id}_{file_name}", want: "{task_id}_film.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderFileName(Rule{FilenameTemplate: tt.template}, subject, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderFileName_MissingName(t *testing.T) {
	got := RenderFileName(Rule{}, Subject{MessageID: 7}, time.Now())
	assert.Equal(t, "7_file_7", got)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeFileName("a/b\\c"))
	assert.Equal(t, "unnamed", SanitizeFileName(".."))
	assert.Equal(t, "unnamed", SanitizeFileName("  "))
}

func TestRuleValidate(t *testing.T) {
	rule := Rule{ChatID: 1}
	rule.Normalize()
	require.NoError(t, rule.Validate())

	rule.MatchMode = "sometimes"
	require.ErrorIs(t, rule.Validate(), ErrInvalidRule)

	rule = Rule{ChatID: 1, MinSizeBytes: 10, MaxSizeBytes: 5}
	rule.Normalize()
	require.ErrorIs(t, rule.Validate(), ErrInvalidRule)

	rule = Rule{}
	rule.Normalize()
	require.ErrorIs(t, rule.Validate(), ErrInvalidRule)
}
