package domain

import (
	"errors"

	balancedomain "github.com/smallbiznis/tokenledger/internal/balance/domain"
	reservationdomain "github.com/smallbiznis/tokenledger/internal/reservation/domain"
)

var (
	ErrDeductionInProgress       = errors.New("deduction_in_progress")
	ErrCaptureExceedsReservation = errors.New("capture_exceeds_reservation")
	ErrInvalidProgress           = errors.New("invalid_progress")
	ErrRecordNotFound            = errors.New("deduction_not_found")
)

var (
	ErrInsufficientBalance = balancedomain.ErrInsufficientBalance
	ErrInvalidAmount       = balancedomain.ErrInvalidAmount
	ErrReservationNotFound = reservationdomain.ErrReservationNotFound
	ErrInvalidJobID        = reservationdomain.ErrInvalidJobID
)
