package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/songforge/internal/store"
	"github.com/smallbiznis/songforge/pkg/db/pagination"
)

type createGenerationRequest struct {
	Style         string `json:"style"`
	Title         string `json:"title"`
	LyricsDetails string `json:"lyrics_details"`
	Dedication    string `json:"dedication"`
	Donation      string `json:"donation"`
	StylePrompt   string `json:"style_prompt"`
}

func (s *Server) CreateGeneration(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.requestSvc.CreateRequest(c.Request.Context(), userID, store.GenerationInput{
		Style:         req.Style,
		Title:         req.Title,
		LyricsDetails: req.LyricsDetails,
		Dedication:    req.Dedication,
		Donation:      req.Donation,
		StylePrompt:   req.StylePrompt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListGenerations(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid page_size"))
		return
	}

	resp, pageInfo, err := s.views.ListPage(c.Request.Context(), userID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp == nil {
		resp = []store.GenerationView{}
	}

	c.JSON(http.StatusOK, gin.H{"data": resp, "page_info": pageInfo})
}

func (s *Server) GetGeneration(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	resp, err := s.views.Get(c.Request.Context(), userID, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// GetGenerationRequest is the operator view of the raw request row.
func (s *Server) GetGenerationRequest(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	resp, err := s.requests.GetRequest(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetDailyStats(c *gin.Context) {
	day := c.Query("day")
	if day == "" {
		day = time.Now().UTC().Format(dateOnlyLayout)
	}
	if _, err := time.Parse(dateOnlyLayout, day); err != nil {
		AbortWithError(c, newValidationError("day", "invalid_day", "invalid day"))
		return
	}

	resp, err := s.views.GetDailyStats(c.Request.Context(), day)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
