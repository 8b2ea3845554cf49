package endpoints

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"storyreel/internal/config"
	"storyreel/internal/manifest"
	"storyreel/internal/render"
	"storyreel/internal/store"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

// maxProbedScenes bounds the clip inventory scan; no tier allows more.
const maxProbedScenes = 10

// ClipStatus is one scene's cache state.
type ClipStatus struct {
	SceneIndex int    `json:"scene_index"`
	Cached     bool   `json:"cached"`
	ClipPath   string `json:"clip_path,omitempty"`
}

// CacheStatusResponse is the clip cache inventory for a project.
type CacheStatusResponse struct {
	ProjectID string       `json:"project_id"`
	Clips     []ClipStatus `json:"clips"`
	Cached    int          `json:"cached_count"`
}

// HandleCacheStatus reports which scene clips are already cached.
func HandleCacheStatus(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("project_id")
		if projectID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: "project_id is required"})
			return
		}

		resp := CacheStatusResponse{ProjectID: projectID}
		for i := 0; i < maxProbedScenes; i++ {
			path := manifest.ClipPath(projectID, i)
			ok, err := st.Exists(c.Request.Context(), path)
			if err != nil {
				slog.Error("Failed to probe clip cache", "path", path, "error", err)
				c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: "Failed to probe clip cache"})
				return
			}
			status := ClipStatus{SceneIndex: i, Cached: ok}
			if ok {
				status.ClipPath = path
				resp.Cached++
			}
			resp.Clips = append(resp.Clips, status)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// SignedClip is one scene's signed clip URL.
type SignedClip struct {
	SceneIndex int    `json:"scene_index"`
	ClipURL    string `json:"clip_url"`
}

// SignedClipsResponse lists signed URLs for a project's extant clips.
type SignedClipsResponse struct {
	ProjectID string       `json:"project_id"`
	Clips     []SignedClip `json:"clips"`
}

// HandleSignedClips signs URLs for every cached clip, probing scenes in
// parallel.
func HandleSignedClips(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		projectID := c.Param("project_id")
		if projectID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: "project_id is required"})
			return
		}

		var mu sync.Mutex
		clips := make([]SignedClip, 0, maxProbedScenes)

		g, ctx := errgroup.WithContext(c.Request.Context())
		for i := 0; i < maxProbedScenes; i++ {
			i := i
			g.Go(func() error {
				path := manifest.ClipPath(projectID, i)
				ok, err := st.Exists(ctx, path)
				if err != nil || !ok {
					return err
				}
				url, err := st.SignedURL(ctx, path, config.SignedURLDraftTTL)
				if err != nil {
					return err
				}
				mu.Lock()
				clips = append(clips, SignedClip{SceneIndex: i, ClipURL: url})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			slog.Error("Failed to sign clips", "project_id", projectID, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: "Failed to sign clips"})
			return
		}

		// Parallel probes complete out of order
		sort.Slice(clips, func(a, b int) bool { return clips[a].SceneIndex < clips[b].SceneIndex })
		c.JSON(http.StatusOK, SignedClipsResponse{ProjectID: projectID, Clips: clips})
	}
}
