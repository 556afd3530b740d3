package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
)

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseCompanyID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed <= 0 {
		return 0, newValidationError("company_id", "invalid_company", "invalid company id")
	}
	return parsed, nil
}

// parseLimit returns 0 when no limit is given so services apply their default.
func parseLimit(value string) (int, error) {
	limit, err := parseOptionalInt64(value)
	if err != nil || (limit != nil && *limit <= 0) {
		return 0, newValidationError("limit", "invalid_limit", "invalid limit")
	}
	if limit == nil {
		return 0, nil
	}
	return int(*limit), nil
}
