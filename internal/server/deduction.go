package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListDeductions(c *gin.Context) {
	companyID, err := parseCompanyID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.deductionSvc.ListRecords(c.Request.Context(), companyID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]deductionView, 0, len(records))
	for _, record := range records {
		views = append(views, newDeductionView(record))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}

func (s *Server) GetDeduction(c *gin.Context) {
	companyID, err := parseCompanyID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		AbortWithError(c, newValidationError("job_id", "invalid_job_id", "invalid job_id"))
		return
	}

	record, err := s.deductionSvc.GetRecord(c.Request.Context(), companyID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newDeductionView(record)})
}
