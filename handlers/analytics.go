package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"multibank-api/services"
)

type AnalyticsHandler struct {
	Analytics *services.AnalyticsService
}

// SpendingByCategory defaults to the current calendar month.
func (h *AnalyticsHandler) SpendingByCategory(c *gin.Context) {
	userID := c.GetString("user_id")

	now := time.Now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid from date, expected YYYY-MM-DD"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid to date, expected YYYY-MM-DD"})
			return
		}
		to = parsed
	}

	breakdown, err := h.Analytics.SpendingByCategory(c.Request.Context(), userID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if breakdown == nil {
		breakdown = []services.CategorySpend{}
	}

	c.JSON(http.StatusOK, gin.H{
		"from":      from.Format("2006-01-02"),
		"to":        to.Format("2006-01-02"),
		"breakdown": breakdown,
	})
}

func (h *AnalyticsHandler) MonthlySummaries(c *gin.Context) {
	userID := c.GetString("user_id")

	months, _ := strconv.Atoi(c.DefaultQuery("months", "12"))
	summaries, err := h.Analytics.MonthlySummaries(c.Request.Context(), userID, months)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}
	if summaries == nil {
		summaries = []services.MonthlySummary{}
	}
	c.JSON(http.StatusOK, gin.H{"months": summaries})
}
