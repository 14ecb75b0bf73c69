package audit

import (
	"net/http"

	"largon-licensing/pkg/db/option"
	"largon-licensing/pkg/db/pagination"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListEvents serves the audit query API: newest first, cursor paginated.
func (s *Service) ListEvents(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid pagination parameters"})
		return
	}
	if page.Limit <= 0 {
		page.Limit = 10
	}

	events, err := s.repo.Find(c.Request.Context(), &Event{},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "DESC"}),
		option.ApplyPagination(page),
	)
	if err != nil {
		zap.L().Error("failed to list audit events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
		return
	}

	events, pageInfo := pagination.BuildCursorPageInfo(events, page.Limit, func(e *Event) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID})
		return cursor
	})

	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"page_info": pageInfo,
	})
}
