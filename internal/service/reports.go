package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
	"retailcore/internal/reporting"
)

const (
	defaultTrendingLimit = 10
	maxTrendingLimit     = 100
)

type snapshot struct {
	transactions []domain.Transaction
	products     map[string]domain.Product
}

// loadSnapshot reads the ledger and catalog concurrently. Every report is
// recomputed from a fresh snapshot. The two reads are not synchronized, so a
// product deleted in between is named in one report and Uncategorized in
// another; totals still reconcile because attribution only picks the bucket.
func (s *Service) loadSnapshot(ctx context.Context) (snapshot, error) {
	var (
		transactions []domain.Transaction
		products     []domain.Product
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		transactions, err = s.repo.AllTransactions(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		products, err = s.repo.ListProducts(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, apperr.From(err)
	}

	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return snapshot{transactions: transactions, products: byID}, nil
}

func (s *Service) SalesByCategory(ctx context.Context) ([]reporting.CategoryTotal, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reporting.CategoryBreakdown(snap.transactions, snap.products), nil
}

func (s *Service) RevenueTotal(ctx context.Context) (int64, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return reporting.RevenueTotal(snap.transactions), nil
}

func (s *Service) TrendingProducts(ctx context.Context, limit int) ([]reporting.TrendingProduct, error) {
	switch {
	case limit == 0:
		limit = defaultTrendingLimit
	case limit < 0:
		return nil, apperr.Validation("limit must be positive")
	case limit > maxTrendingLimit:
		limit = maxTrendingLimit
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reporting.TrendingProducts(snap.transactions, snap.products, limit), nil
}

func (s *Service) SalesOverTime(ctx context.Context, granularity string) ([]reporting.Bucket, error) {
	g, ok := reporting.ParseGranularity(granularity)
	if !ok {
		return nil, apperr.Validation("granularity must be day or month")
	}
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reporting.SalesBuckets(snap.transactions, g), nil
}

func (s *Service) SalesByEmployee(ctx context.Context) ([]reporting.EmployeeTotal, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return reporting.SalesByEmployee(snap.transactions), nil
}

func (s *Service) Overview(ctx context.Context) (reporting.Overview, error) {
	snap, err := s.loadSnapshot(ctx)
	if err != nil {
		return reporting.Overview{}, err
	}
	return reporting.BuildOverview(snap.transactions, snap.products), nil
}
