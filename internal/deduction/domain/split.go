package domain

// Split divides amount across the pools, draining purchased tokens first.
// ok is false when the pools together cannot cover amount.
func Split(amount, monthly, purchased int64) (fromMonthly, fromPurchased int64, ok bool) {
	fromPurchased = min(amount, max(purchased, 0))
	fromMonthly = amount - fromPurchased
	return fromMonthly, fromPurchased, fromMonthly <= monthly
}

// CancellationAmount is ceil(progress/100 * reserved) in integer arithmetic.
func CancellationAmount(reserved int64, progressPercent int) int64 {
	if reserved <= 0 || progressPercent <= 0 {
		return 0
	}
	if progressPercent >= 100 {
		return reserved
	}
	return (reserved*int64(progressPercent) + 99) / 100
}
