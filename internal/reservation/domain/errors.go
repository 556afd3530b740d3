package domain

import (
	"errors"

	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
)

var (
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrReservationConflict = errors.New("reservation_conflict")
	ErrInvalidJobID        = errors.New("invalid_job_id")
)

var (
	ErrInsufficientBalance  = balancedomain.ErrInsufficientBalance
	ErrSubscriptionNotFound = balancedomain.ErrSubscriptionNotFound
	ErrInvalidAmount        = balancedomain.ErrInvalidAmount
)
