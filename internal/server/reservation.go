package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetReservation(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		AbortWithError(c, newValidationError("job_id", "invalid_job_id", "invalid job_id"))
		return
	}

	res, err := s.reservationSvc.Get(c.Request.Context(), jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newReservationView(res)})
}

func (s *Server) ListActiveReservations(c *gin.Context) {
	companyID, err := parseCompanyID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.reservationSvc.ListActive(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]reservationView, 0, len(items))
	for _, item := range items {
		views = append(views, newReservationView(item))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}
