package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-image-backend/internal/domain"
	"github.com/tbourn/go-image-backend/internal/repo"
	"github.com/tbourn/go-image-backend/internal/utils"
)

// StatsResponse wraps the per-provider aggregates.
type StatsResponse struct {
	Stats []repo.ProviderStats `json:"stats"`
}

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListGenerationsResponse is the admin listing envelope. Payload bytes are
// omitted from the rows; only metadata travels here.
type ListGenerationsResponse struct {
	Generations []domain.Generation `json:"generations"`
	Pagination  Pagination          `json:"pagination"`
}

// GetStats godoc
// @ID          getStats
// @Summary     Aggregate generation statistics per provider
// @Tags        Stats
// @Produce     json
//
// @Param       provider  query  string  false  "Limit to one provider"
//
// @Success     200  {object}  handlers.StatsResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /stats [get]
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.genSvc.Stats(c.Request.Context(), c.Query("provider"))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, "Failed to compute statistics")
		return
	}
	ok(c, http.StatusOK, StatsResponse{Stats: stats})
}

// ListGenerations godoc
// @ID          listGenerations
// @Summary     List stored generations (metadata only), newest first
// @Tags        Stats
// @Produce     json
//
// @Param       page       query  int  false  "Page number (default 1)"
// @Param       page_size  query  int  false  "Page size (default 20, max 100)"
//
// @Success     200  {object}  handlers.ListGenerationsResponse
// @Failure     500  {object}  handlers.ErrorResponse
// @Router      /generations [get]
func (h *Handlers) ListGenerations(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if page < 1 {
		page = 1
	}

	items, total, err := h.genSvc.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "Failed to list generations")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListGenerationsResponse{
		Generations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
