package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
)

type adjustmentView struct {
	ID             string    `json:"id"`
	Reason         string    `json:"reason"`
	Reference      *string   `json:"reference,omitempty"`
	JobID          *string   `json:"job_id,omitempty"`
	MonthlyDelta   int64     `json:"monthly_delta"`
	PurchasedDelta int64     `json:"purchased_delta"`
	ReservedDelta  int64     `json:"reserved_delta"`
	MonthlyAfter   int64     `json:"monthly_after"`
	PurchasedAfter int64     `json:"purchased_after"`
	ReservedAfter  int64     `json:"reserved_after"`
	CreatedAt      time.Time `json:"created_at"`
}

func newAdjustmentView(a balancedomain.BalanceAdjustment) adjustmentView {
	return adjustmentView{
		ID:             a.ID.String(),
		Reason:         string(a.Reason),
		Reference:      a.Reference,
		JobID:          a.JobID,
		MonthlyDelta:   a.MonthlyDelta,
		PurchasedDelta: a.PurchasedDelta,
		ReservedDelta:  a.ReservedDelta,
		MonthlyAfter:   a.MonthlyAfter,
		PurchasedAfter: a.PurchasedAfter,
		ReservedAfter:  a.ReservedAfter,
		CreatedAt:      a.CreatedAt,
	}
}

func (s *Server) ListAdjustments(c *gin.Context) {
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

	items, err := s.balanceSvc.ListAdjustments(c.Request.Context(), companyID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]adjustmentView, 0, len(items))
	for _, item := range items {
		views = append(views, newAdjustmentView(item))
	}
	c.JSON(http.StatusOK, gin.H{"data": views})
}
