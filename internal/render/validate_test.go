package render

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		ProjectID: "proj-1",
		AudioRef:  "proj-1/narration.mp3",
		UserTier:  "free",
		Scenes: []Scene{
			{Index: 0, DurationSeconds: 5, Camera: "zoom-in", Transition: "fade"},
			{Index: 1, DurationSeconds: 5, Camera: "static", Transition: "none"},
			{Index: 2, DurationSeconds: 5},
		},
	}
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var f *Failure
	require.True(t, errors.As(err, &f), "expected Failure, got %v", err)
	assert.Equal(t, code, f.Code)
}

func TestValidateAccepts(t *testing.T) {
	req := validRequest()
	assert.NoError(t, validate(&req))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing project", func(r *Request) { r.ProjectID = "" }},
		{"no scenes", func(r *Request) { r.Scenes = nil }},
		{"missing audio", func(r *Request) { r.AudioRef = "" }},
		{"bad preset", func(r *Request) { r.ExportPreset = "imax" }},
		{"bad camera", func(r *Request) { r.Scenes[0].Camera = "dolly" }},
		{"bad transition", func(r *Request) { r.Scenes[1].Transition = "swirl" }},
		{"sparse indices", func(r *Request) { r.Scenes[1].Index = 5 }},
		{"zero duration", func(r *Request) { r.Scenes[0].DurationSeconds = 0 }},
		{"free tier too many scenes", func(r *Request) {
			r.Scenes = append(r.Scenes, Scene{Index: 3, DurationSeconds: 5})
		}},
		{"free tier scene too long", func(r *Request) { r.Scenes[0].DurationSeconds = 16 }},
		{"free tier total too long", func(r *Request) {
			for i := range r.Scenes {
				r.Scenes[i].DurationSeconds = 15
			}
			r.Scenes[0].DurationSeconds = 16
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := validate(&req)
			require.Error(t, err)
			assertCode(t, err, CodeInvalidArgument)
		})
	}
}

func TestValidateTierScaling(t *testing.T) {
	req := validRequest()
	req.UserTier = "premium"
	req.Scenes = nil
	for i := 0; i < 10; i++ {
		req.Scenes = append(req.Scenes, Scene{Index: i, DurationSeconds: 18})
	}
	assert.NoError(t, validate(&req))

	req.Scenes = append(req.Scenes, Scene{Index: 10, DurationSeconds: 5})
	assertCode(t, validate(&req), CodeInvalidArgument)
}

func TestSyncDurationsNoChangeWhenCovered(t *testing.T) {
	scenes := []Scene{
		{DurationSeconds: 5}, {DurationSeconds: 5}, {DurationSeconds: 5},
	}
	// 15s of scenes covers 12s narration + 2s tail
	durations, warning := syncDurations(scenes, 12.0, limitsFor("free"))
	assert.Equal(t, []int{5, 5, 5}, durations)
	assert.Empty(t, warning)
}

func TestSyncDurationsDistributes(t *testing.T) {
	scenes := []Scene{
		{DurationSeconds: 3}, {DurationSeconds: 3}, {DurationSeconds: 3},
	}
	// Target 20+2=22 over 3 scenes: base 7, last absorbs the remainder
	durations, warning := syncDurations(scenes, 20.0, limitsFor("free"))
	assert.Empty(t, warning)
	assert.Equal(t, 22, durations[0]+durations[1]+durations[2])
	assert.Equal(t, 7, durations[0])
	assert.Equal(t, 7, durations[1])
	assert.Equal(t, 8, durations[2])
}

func TestSyncDurationsTruncatesLongNarration(t *testing.T) {
	scenes := []Scene{
		{DurationSeconds: 5}, {DurationSeconds: 5}, {DurationSeconds: 5},
	}
	// 100s narration blows past the free tier 45s total cap
	durations, warning := syncDurations(scenes, 100.0, limitsFor("free"))
	assert.NotEmpty(t, warning)
	total := 0
	for _, d := range durations {
		total += d
		assert.LessOrEqual(t, d, 15)
	}
	assert.LessOrEqual(t, total, 45)
}

func TestSyncDurationsSingleScene(t *testing.T) {
	scenes := []Scene{{DurationSeconds: 3}}
	durations, warning := syncDurations(scenes, 8.0, limitsFor("free"))
	assert.Empty(t, warning)
	assert.Equal(t, []int{10}, durations)
}
