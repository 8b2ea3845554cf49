package compose

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFFmpeg writes an executable that accepts any arguments, standing in
// for the real binary so Compose's pass sequencing can run.
func stubFFmpeg(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func TestComposeWorksInsideCallerScratch(t *testing.T) {
	stub := stubFFmpeg(t)
	fallback := t.TempDir()
	c := &Compositor{runner: &runner{ffmpeg: stub, ffprobe: stub}, scratch: fallback}

	scratch := t.TempDir()
	out, err := c.Compose(context.Background(), Job{
		ProjectID:  "proj-1",
		Scenes:     []Scene{{Index: 0, Duration: 5}, {Index: 1, Duration: 4}},
		AudioPath:  "narration.mp3",
		Plan:       "basic",
		Width:      1280,
		Height:     720,
		ScratchDir: scratch,
	}, nil)
	require.NoError(t, err)

	// Everything, including the returned movie, lives under the caller's
	// scratch so the caller's cleanup removes it all.
	assert.True(t, strings.HasPrefix(out, scratch+string(filepath.Separator)), "movie at %s", out)

	entries, err := os.ReadDir(fallback)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing may leak outside the caller's scratch")
}

func TestComposeRejectsEmptyJob(t *testing.T) {
	c := New()
	_, err := c.Compose(context.Background(), Job{AudioPath: "narration.mp3"}, nil)
	require.Error(t, err)

	_, err = c.Compose(context.Background(), Job{Scenes: []Scene{{Index: 0, Duration: 5}}}, nil)
	require.Error(t, err)
}
