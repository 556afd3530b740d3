package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetBalance(c *gin.Context) {
	companyID, err := parseCompanyID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.balanceSvc.GetBalance(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) GetSubscription(c *gin.Context) {
	companyID, err := parseCompanyID(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.balanceSvc.GetSubscription(c.Request.Context(), companyID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriptionView{
		ID:                 sub.ID.String(),
		CompanyID:          sub.CompanyID.String(),
		PlanID:             sub.PlanID,
		BillingCycle:       string(sub.BillingCycle),
		Status:             string(sub.Status),
		MonthlyQuota:       sub.MonthlyTokenQuota,
		Monthly:            sub.MonthlyQuotaBalance,
		Purchased:          sub.PurchasedTokenBalance,
		Reserved:           sub.ReservedTokens,
		Available:          sub.Available(),
		BillingAnchorDay:   int(sub.BillingAnchorDay),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		LastQuotaResetAt:   sub.LastQuotaResetAt,
	}})
}
