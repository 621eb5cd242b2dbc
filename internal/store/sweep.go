package store

import (
	"context"
	"fmt"
	"time"
)

// SweepResult counts the records removed by Sweep.
type SweepResult struct {
	AuthorizationRequests int
	AuthorizationCodes    int
	CibaGrants            int
	Tokens                int
}

// Total returns the number of removed records.
func (r SweepResult) Total() int {
	return r.AuthorizationRequests + r.AuthorizationCodes + r.CibaGrants + r.Tokens
}

// Sweep deletes grants and tokens that expired before now.
func Sweep(ctx context.Context, grants Grants, now time.Time) (SweepResult, error) {
	var res SweepResult
	var err error

	if res.AuthorizationRequests, err = grants.AuthorizationRequests().DeleteExpired(ctx, now); err != nil {
		return res, fmt.Errorf("failed to sweep authorization requests: %w", err)
	}
	if res.AuthorizationCodes, err = grants.AuthorizationCodes().DeleteExpired(ctx, now); err != nil {
		return res, fmt.Errorf("failed to sweep authorization codes: %w", err)
	}
	if res.CibaGrants, err = grants.CibaGrants().DeleteExpired(ctx, now); err != nil {
		return res, fmt.Errorf("failed to sweep ciba grants: %w", err)
	}
	if res.Tokens, err = grants.Tokens().DeleteExpired(ctx, now); err != nil {
		return res, fmt.Errorf("failed to sweep tokens: %w", err)
	}
	return res, nil
}
