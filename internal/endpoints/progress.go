package endpoints

import (
	"io"
	"log/slog"
	"net/http"

	"storyreel/internal/progress"
	"storyreel/internal/render"

	"github.com/gin-gonic/gin"
)

// HandleProgressStream serves the SSE progress feed for one job. The
// first frame is the current snapshot; the stream closes on done or
// error. A missing app-check token is tolerated here but logged.
func HandleProgressStream(bus *progress.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Query("job_id")
		if jobID == "" {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: render.CodeInvalidArgument, Error: "job_id is required"})
			return
		}
		if c.GetHeader(AppCheckHeader) == "" {
			slog.Warn("Progress stream without app check token", "job_id", jobID)
		}

		sub, err := bus.Subscribe(c.Request.Context(), jobID)
		if err != nil {
			slog.Error("Failed to subscribe to progress", "job_id", jobID, "error", err)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: render.CodeInternal, Error: "Failed to subscribe"})
			return
		}
		defer sub.Close()

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		c.Stream(func(w io.Writer) bool {
			select {
			case record, ok := <-sub.Updates():
				if !ok {
					return false
				}
				c.SSEvent("progress", record)
				return !record.Terminal()
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}
