package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"renderbus/internal/model"
)

func submission(jobID string, length any, resolution, provider string) model.JobSubmission {
	return model.JobSubmission{
		JobID:      jobID,
		UserID:     "user-1",
		LengthSec:  length,
		Resolution: resolution,
		Provider:   provider,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		sub  model.JobSubmission
		want Decision
	}{
		{
			name: "short 720p routes to fal",
			sub:  submission("j1", float64(8), "720p", "auto"),
			want: Decision{Provider: "fal", Model: "wan-i2v"},
		},
		{
			name: "long 1080p has no route",
			sub:  submission("j2", float64(20), "1080p", "auto"),
			want: Decision{Reason: "no_route"},
		},
		{
			name: "unknown explicit provider rejected",
			sub:  submission("j3", float64(5), "720p", "unknown-provider"),
			want: Decision{Reason: "unsupported_provider:unknown-provider"},
		},
		{
			name: "explicit fal uses its default model",
			sub:  submission("j4", float64(120), "1080p", "fal"),
			want: Decision{Provider: "fal", Model: "wan-i2v"},
		},
		{
			name: "explicit replicate uses its default model",
			sub:  submission("j5", float64(30), "1080p", "replicate"),
			want: Decision{Provider: "replicate", Model: "stable-video"},
		},
		{
			name: "explicit veo uses its default model",
			sub:  submission("j6", float64(30), "4k", "veo"),
			want: Decision{Provider: "veo", Model: "veo-standard"},
		},
		{
			name: "empty provider is treated as auto",
			sub:  submission("j7", float64(10), "720p", ""),
			want: Decision{Provider: "fal", Model: "wan-i2v"},
		},
		{
			name: "missing jobId",
			sub:  submission("", float64(8), "720p", "auto"),
			want: Decision{Reason: "missing_required_field:jobId"},
		},
		{
			name: "missing userId",
			sub:  model.JobSubmission{JobID: "j8", LengthSec: float64(8), Resolution: "720p"},
			want: Decision{Reason: "missing_required_field:userId"},
		},
		{
			name: "missing lengthSec",
			sub:  submission("j9", nil, "720p", "auto"),
			want: Decision{Reason: "missing_required_field:lengthSec"},
		},
		{
			name: "missing resolution",
			sub:  submission("j10", float64(8), "", "auto"),
			want: Decision{Reason: "missing_required_field:resolution"},
		},
		{
			name: "zero length rejected",
			sub:  submission("j11", float64(0), "720p", "auto"),
			want: Decision{Reason: "invalid_length:must_be_1-300_seconds"},
		},
		{
			name: "over five minutes rejected",
			sub:  submission("j12", float64(301), "720p", "auto"),
			want: Decision{Reason: "invalid_length:must_be_1-300_seconds"},
		},
		{
			name: "non-numeric length rejected",
			sub:  submission("j13", "not a number", "720p", "auto"),
			want: Decision{Reason: "invalid_length:not_a_number"},
		},
		{
			name: "numeric string length accepted",
			sub:  submission("j14", "7", "720p", "auto"),
			want: Decision{Provider: "fal", Model: "wan-i2v"},
		},
		{
			name: "validation runs before explicit provider",
			sub:  submission("j15", float64(500), "720p", "fal"),
			want: Decision{Reason: "invalid_length:must_be_1-300_seconds"},
		},
		{
			name: "boundary length 300 with explicit provider routes",
			sub:  submission("j16", float64(300), "1080p", "veo"),
			want: Decision{Provider: "veo", Model: "veo-standard"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.sub)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	sub := submission("j1", float64(8), "720p", "auto")
	first := Evaluate(sub)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Evaluate(sub))
	}
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("fal"))
	assert.True(t, Supported("replicate"))
	assert.True(t, Supported("veo"))
	assert.False(t, Supported("auto"))
	assert.False(t, Supported(""))
	assert.Len(t, Providers(), 3)
}
