package domain

import "fmt"

// HeightRange is an inclusive range of block heights.
type HeightRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

func (r HeightRange) Size() uint64 {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

func (r HeightRange) Contains(height uint64) bool {
	return height >= r.From && height <= r.To
}

// Split cuts the range into consecutive chunks of at most size heights.
func (r HeightRange) Split(size uint64) []HeightRange {
	if size == 0 || r.Size() == 0 {
		return nil
	}
	var out []HeightRange
	for start := r.From; start <= r.To; start += size {
		end := start + size - 1
		if end > r.To || end < start {
			end = r.To
		}
		out = append(out, HeightRange{From: start, To: end})
		if end == r.To {
			break
		}
	}
	return out
}

func (r HeightRange) String() string {
	return fmt.Sprintf("%d-%d", r.From, r.To)
}
