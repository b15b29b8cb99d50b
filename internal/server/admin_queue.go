package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/songforge/internal/queue"
	"github.com/smallbiznis/songforge/pkg/db/pagination"
	"go.uber.org/zap"
)

func (s *Server) ListDeadTasks(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, err := s.queue.ListDead(c.Request.Context(), query.Limit())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		resp = []queue.Task{}
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// RetryTask gives a dead task a fresh attempt budget.
func (s *Server) RetryTask(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	ctx := c.Request.Context()
	if err := s.queue.Retry(ctx, id); err != nil {
		AbortWithError(c, err)
		return
	}

	userID, _ := userIDFromContext(c)
	s.log.Info("operator requeued dead task",
		zap.Int64("task_id", id),
		zap.Int64("operator_id", userID),
	)

	resp, err := s.queue.Get(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
