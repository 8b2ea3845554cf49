package endpoints

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"storyreel/internal/clips"
	"storyreel/internal/queue"
	"storyreel/internal/render"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Renderer is the orchestrator surface the HTTP layer depends on.
type Renderer interface {
	Render(ctx context.Context, req render.Request) (*render.Response, error)
	GenerateClip(ctx context.Context, req render.ClipRequest) (*clips.Result, error)
}

// RenderQueue is the async job queue surface.
type RenderQueue interface {
	IsUserRunning(ctx context.Context, userID string) (bool, error)
	Enqueue(ctx context.Context, job *queue.Job) error
}

// HandleRender runs a render synchronously and returns the video URL.
func HandleRender(renderer Renderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := GetUserID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Code: CodeAuthRequired, Error: "Unauthorized"})
			return
		}

		var req render.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}
		req.UserID = userID

		resp, err := renderer.Render(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// AsyncRenderResponse acknowledges a queued render.
type AsyncRenderResponse struct {
	JobID  string `json:"job_id"`
	Queued bool   `json:"queued"`
}

// HandleRenderAsync enqueues a render for the worker to pick up. One
// running render per user.
func HandleRenderAsync(jobQueue RenderQueue) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := GetUserID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Code: CodeAuthRequired, Error: "Unauthorized"})
			return
		}

		var req render.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}
		req.UserID = userID
		if req.JobID == "" {
			// Queued jobs outlive the request, so timestamps are not
			// collision-proof enough for an identifier.
			req.JobID = fmt.Sprintf("render-%s-%s", req.ProjectID, uuid.NewString())
		}

		running, err := jobQueue.IsUserRunning(c.Request.Context(), userID)
		if err != nil {
			slog.Error("Failed to check running renders", "error", err, "user_id", userID)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: "Failed to check render status"})
			return
		}
		if running {
			c.JSON(http.StatusConflict, ErrorResponse{Code: render.CodeInvalidArgument, Error: "You already have a render in progress. Please wait for it to complete."})
			return
		}

		job := &queue.Job{
			ID:        req.JobID,
			UserID:    userID,
			Request:   req,
			CreatedAt: time.Now().UTC(),
		}
		if err := jobQueue.Enqueue(c.Request.Context(), job); err != nil {
			slog.Error("Failed to enqueue render", "error", err, "job_id", req.JobID)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: "Failed to enqueue render"})
			return
		}
		c.JSON(http.StatusAccepted, AsyncRenderResponse{JobID: req.JobID, Queued: true})
	}
}

// HandleGenerateClip generates a single scene clip.
func HandleGenerateClip(renderer Renderer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := GetUserID(c); err != nil {
			c.JSON(http.StatusUnauthorized, ErrorResponse{Code: CodeAuthRequired, Error: "Unauthorized"})
			return
		}

		var req render.ClipRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: fmt.Sprintf("invalid request body: %v", err)})
			return
		}

		result, err := renderer.GenerateClip(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
