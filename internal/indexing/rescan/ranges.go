package rescan

import (
	"slices"

	"github.com/vietddude/blockindex/internal/core/domain"
	redisclient "github.com/vietddude/blockindex/internal/infra/redis"
)

// Overlaps reports whether two ranges overlap or are adjacent.
func Overlaps(a, b domain.HeightRange) bool {
	return a.From <= b.To+1 && b.From <= a.To+1
}

// Merge returns the smallest range covering a and b.
func Merge(a, b domain.HeightRange) domain.HeightRange {
	return domain.HeightRange{From: min(a.From, b.From), To: max(a.To, b.To)}
}

// MergeRanges merges overlapping and adjacent ranges. The result is sorted
// by start height.
func MergeRanges(ranges []domain.HeightRange) []domain.HeightRange {
	if len(ranges) <= 1 {
		return ranges
	}

	sorted := slices.Clone(ranges)
	slices.SortFunc(sorted, func(a, b domain.HeightRange) int {
		switch {
		case a.From < b.From:
			return -1
		case a.From > b.From:
			return 1
		default:
			return 0
		}
	})

	merged := []domain.HeightRange{sorted[0]}
	for _, current := range sorted[1:] {
		last := &merged[len(merged)-1]
		if Overlaps(*last, current) {
			*last = Merge(*last, current)
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

// RangesFromStrings parses multiple "start-end" strings.
func RangesFromStrings(strs []string) ([]domain.HeightRange, error) {
	ranges := make([]domain.HeightRange, 0, len(strs))
	for _, s := range strs {
		r, err := redisclient.ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
