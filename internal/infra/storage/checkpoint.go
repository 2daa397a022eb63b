package storage

import (
	"context"
	"fmt"
	"strconv"
)

// GetUint reads a numeric checkpoint. Unset keys read as (0, false).
func GetUint(ctx context.Context, repo CheckpointRepository, key string) (uint64, bool, error) {
	raw, ok, err := repo.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("checkpoint %s holds non-numeric value %q: %w", key, raw, err)
	}
	return n, true, nil
}

// SetUint stores a numeric checkpoint unconditionally.
func SetUint(ctx context.Context, repo CheckpointRepository, key string, value uint64) error {
	return repo.Set(ctx, key, strconv.FormatUint(value, 10))
}

// GetFlag reports whether a one-time completion flag is set.
func GetFlag(ctx context.Context, repo CheckpointRepository, key string) (bool, error) {
	raw, ok, err := repo.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return raw == "true", nil
}

func SetFlag(ctx context.Context, repo CheckpointRepository, key string) error {
	return repo.Set(ctx, key, "true")
}
