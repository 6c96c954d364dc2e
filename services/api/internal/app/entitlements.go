package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"charterbook/pkg/domain"
)

// ResolveEntitlements derives the capability triple from stored state. The
// three counts run concurrently under one timeout. Any failure, including a
// panic in the store, yields the zero set; the error is logged, never returned.
func (a *App) ResolveEntitlements(ctx context.Context, userID string) domain.EntitlementSet {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.EntitlementSet{}
	}
	ctx, cancel := context.WithTimeout(ctx, a.resolveTimeout)
	defer cancel()

	var verified, delivered, excerpts int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(guardCount("verified receipts", &verified, func() (int64, error) {
		return a.store.CountReceipts(gctx, userID, domain.ReceiptVerified)
	}))
	g.Go(guardCount("delivered claims", &delivered, func() (int64, error) {
		return a.store.CountBonusClaims(gctx, userID, domain.ClaimDelivered)
	}))
	g.Go(guardCount("excerpt entitlements", &excerpts, func() (int64, error) {
		return a.store.CountEntitlements(gctx, userID, domain.EntitlementEarlyExcerpt,
			domain.EntitlementActive, domain.EntitlementFulfilled)
	}))

	// A count that ignores its context must not hold the caller past the
	// deadline, so the group is awaited alongside ctx.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		slog.ErrorContext(ctx, "entitlement resolution failed; denying all", "user_id", userID, "err", err)
		return domain.EntitlementSet{}
	}
	return domain.EntitlementSet{
		HasPreordered:       verified > 0,
		HasExcerpt:          excerpts > 0,
		HasAgentCharterPack: delivered > 0,
	}
}

func guardCount(name string, dst *int64, count func() (int64, error)) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("count %s: panic: %v", name, rec)
			}
		}()
		n, err := count()
		if err != nil {
			return fmt.Errorf("count %s: %w", name, err)
		}
		*dst = n
		return nil
	}
}
