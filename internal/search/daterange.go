package search

import (
	"fmt"
	"strconv"
	"strings"
)

// AllTimeRange disables date filtering while still resolving timestamps.
const AllTimeRange = "all time"

// filterByDateRange keeps candidates whose timestamp falls inside the
// inclusive range. Chunks without a resolvable timestamp are dropped when a
// bounded range is active. A malformed range string returns an error so the
// caller can degrade to an unfiltered search.
func filterByDateRange(candidates []candidate, dateRange string) ([]candidate, error) {
	dateRange = strings.TrimSpace(dateRange)
	if dateRange == "" || dateRange == AllTimeRange {
		return candidates, nil
	}

	start, end, err := parseDateRange(dateRange)
	if err != nil {
		return nil, err
	}

	filtered := make([]candidate, 0, len(candidates))
	for _, cand := range candidates {
		ts, ok := timestampValue(cand.timestamp)
		if !ok {
			continue
		}
		if ts >= start && ts <= end {
			filtered = append(filtered, cand)
		}
	}
	return filtered, nil
}

// parseDateRange splits "YYYYMMDD - YYYYMMDD" into numeric bounds.
func parseDateRange(dateRange string) (int, int, error) {
	parts := strings.Split(dateRange, " - ")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid date range %q: expected \"YYYYMMDD - YYYYMMDD\"", dateRange)
	}
	start, err := parseDate(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := parseDate(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end date: %w", err)
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid date range %q: start after end", dateRange)
	}
	return start, end, nil
}

func parseDate(s string) (int, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("%q is not an 8-digit date", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not an 8-digit date", s)
	}
	return n, nil
}

func timestampValue(ts string) (int, bool) {
	if !isDate(ts) {
		return 0, false
	}
	n, err := strconv.Atoi(ts)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isDate(ts string) bool {
	if len(ts) != 8 {
		return false
	}
	for _, r := range ts {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
