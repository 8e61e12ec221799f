package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
	"retailcore/internal/store"
	"retailcore/internal/xid"
)

const (
	defaultPageSize      = 20
	maxPageSize          = 100
	maxIdempotencyKeyLen = 128
)

var lastFourPattern = regexp.MustCompile(`^[0-9]{4}$`)

// RecordTransaction validates a sale, prices it from the catalog, and commits
// the ledger entry together with every branch supply decrement. A replayed
// idempotency key returns the stored transaction with Duplicate set.
func (s *Service) RecordTransaction(ctx context.Context, cmd domain.RecordTransactionCommand) (domain.RecordTransactionResult, error) {
	result, err := s.recordTransaction(ctx, cmd)
	if err != nil {
		appErr := apperr.From(err)
		s.metrics.TransactionRejected(string(appErr.Kind))
		if appErr.Kind == apperr.KindStorage {
			s.actorLog(ctx).Error("transaction commit failed", zap.Error(err))
		} else {
			s.actorLog(ctx).Debug("transaction rejected",
				zap.String("kind", string(appErr.Kind)), zap.String("reason", appErr.Message))
		}
		return domain.RecordTransactionResult{}, appErr
	}
	return result, nil
}

func (s *Service) recordTransaction(ctx context.Context, cmd domain.RecordTransactionCommand) (domain.RecordTransactionResult, error) {
	cmd, err := s.normalizeCommand(ctx, cmd)
	if err != nil {
		return domain.RecordTransactionResult{}, err
	}

	if cmd.IdempotencyKey != "" {
		existing, err := s.repo.FindTransactionByIdempotency(ctx, cmd.IdempotencyKey)
		if err == nil {
			return s.replay(cmd, *existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.RecordTransactionResult{}, err
		}
	}

	tx, err := s.priceTransaction(ctx, cmd)
	if err != nil {
		return domain.RecordTransactionResult{}, err
	}

	// Once the commit starts it runs to completion or fails whole, even if
	// the caller goes away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	start := time.Now()
	stored, err := s.repo.RecordTransaction(commitCtx, tx)
	if err != nil {
		return domain.RecordTransactionResult{}, err
	}

	if stored.OrderID != tx.OrderID {
		return s.replay(cmd, *stored)
	}

	units := 0
	for _, item := range stored.Products {
		units += item.Quantity
	}
	s.metrics.TransactionRecorded(stored.PaymentMethod, stored.BranchCode, units, time.Since(start))
	s.actorLog(ctx).Info("transaction recorded",
		zap.String("order_id", stored.OrderID),
		zap.String("branch", stored.BranchCode),
		zap.Int64("amount", stored.AmountCents),
		zap.Int("units", units),
	)
	return domain.RecordTransactionResult{Transaction: *stored}, nil
}

// replay answers a reused idempotency key with the stored transaction, or a
// conflict when the request describes a different sale.
func (s *Service) replay(cmd domain.RecordTransactionCommand, stored domain.Transaction) (domain.RecordTransactionResult, error) {
	if !sameSale(cmd, stored) {
		return domain.RecordTransactionResult{}, apperr.Conflict(fmt.Sprintf(
			"idempotency key %q was already used for a different transaction", cmd.IdempotencyKey))
	}
	s.metrics.TransactionReplayed()
	return domain.RecordTransactionResult{Transaction: stored, Duplicate: true}, nil
}

func sameSale(cmd domain.RecordTransactionCommand, stored domain.Transaction) bool {
	if cmd.UserID != stored.UserID || cmd.BranchCode != stored.BranchCode ||
		cmd.PaymentMethod != stored.PaymentMethod || cmd.Status != stored.Status {
		return false
	}
	if cmd.AmountCents != nil && *cmd.AmountCents != stored.AmountCents {
		return false
	}
	if len(cmd.LineItems) != len(stored.Products) {
		return false
	}
	for i, item := range cmd.LineItems {
		line := stored.Products[i]
		if item.ProductID != line.ProductID || item.Quantity != line.Quantity {
			return false
		}
		if item.UnitPriceCents != nil && *item.UnitPriceCents != line.UnitPriceCents {
			return false
		}
	}
	return true
}

func (s *Service) normalizeCommand(ctx context.Context, cmd domain.RecordTransactionCommand) (domain.RecordTransactionCommand, error) {
	cmd.UserID = strings.TrimSpace(cmd.UserID)
	if cmd.UserID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			cmd.UserID = actor.Username
		}
	}
	if cmd.UserID == "" {
		return cmd, apperr.Validation("userId is required")
	}

	cmd.BranchCode = strings.ToUpper(strings.TrimSpace(cmd.BranchCode))
	if cmd.BranchCode == "" {
		cmd.BranchCode = s.defaultBranch
	}
	if !domain.ValidBranchCode(cmd.BranchCode) {
		return cmd, apperr.Validation(fmt.Sprintf("branchCode %q must be three letters followed by three digits", cmd.BranchCode))
	}

	cmd.PaymentMethod = strings.ToLower(strings.TrimSpace(cmd.PaymentMethod))
	if !domain.ValidPaymentMethod(cmd.PaymentMethod) {
		return cmd, apperr.Validation("paymentMethod must be card or mpesa")
	}

	cmd.Status = strings.ToLower(strings.TrimSpace(cmd.Status))
	if cmd.Status == "" {
		cmd.Status = domain.TxStatusCompleted
	}
	if !domain.ValidStatus(cmd.Status) {
		return cmd, apperr.Validation("status must be pending, completed or failed")
	}

	switch cmd.PaymentMethod {
	case domain.PaymentMpesa:
		if cmd.PaymentDetails != nil {
			return cmd, apperr.Validation("paymentDetails are only accepted for card payments")
		}
		if cmd.MpesaDetails == nil || strings.TrimSpace(cmd.MpesaDetails.PhoneNumber) == "" {
			return cmd, apperr.Validation("phoneNumber is required for mpesa payments")
		}
		details := *cmd.MpesaDetails
		details.PhoneNumber = strings.TrimSpace(details.PhoneNumber)
		details.TransactionID = strings.TrimSpace(details.TransactionID)
		cmd.MpesaDetails = &details
	case domain.PaymentCard:
		if cmd.MpesaDetails != nil {
			return cmd, apperr.Validation("mpesaDetails are only accepted for mpesa payments")
		}
		if cmd.PaymentDetails != nil {
			details := *cmd.PaymentDetails
			details.LastFourDigits = strings.TrimSpace(details.LastFourDigits)
			if details.LastFourDigits != "" && !lastFourPattern.MatchString(details.LastFourDigits) {
				return cmd, apperr.Validation("lastFourDigits must be four digits")
			}
			cmd.PaymentDetails = &details
		}
	}

	if len(cmd.LineItems) == 0 {
		return cmd, apperr.Validation("at least one product line is required")
	}
	items := make([]domain.LineItemInput, 0, len(cmd.LineItems))
	for i, item := range cmd.LineItems {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" {
			return cmd, apperr.Validation(fmt.Sprintf("products[%d].product is required", i))
		}
		if item.Quantity <= 0 {
			return cmd, apperr.Validation(fmt.Sprintf("products[%d].quantity must be a positive integer", i))
		}
		if item.UnitPriceCents != nil && *item.UnitPriceCents < 0 {
			return cmd, apperr.Validation(fmt.Sprintf("products[%d].price must not be negative", i))
		}
		items = append(items, item)
	}
	cmd.LineItems = items

	if cmd.AmountCents != nil && *cmd.AmountCents < 0 {
		return cmd, apperr.Validation("amount must not be negative")
	}

	cmd.IdempotencyKey = strings.TrimSpace(cmd.IdempotencyKey)
	if len(cmd.IdempotencyKey) > maxIdempotencyKeyLen {
		return cmd, apperr.Validation("Idempotency-Key is too long")
	}
	return cmd, nil
}

// priceTransaction resolves every line against the catalog. Catalog prices
// are authoritative: a submitted price or amount that disagrees is rejected.
// Supply is checked here for a fast answer; the store re-checks atomically.
func (s *Service) priceTransaction(ctx context.Context, cmd domain.RecordTransactionCommand) (domain.Transaction, error) {
	ids := make([]string, 0, len(cmd.LineItems))
	seen := make(map[string]bool, len(cmd.LineItems))
	for _, item := range cmd.LineItems {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx := domain.Transaction{
		OrderID:        xid.New("ord"),
		UserID:         cmd.UserID,
		PaymentMethod:  cmd.PaymentMethod,
		Status:         cmd.Status,
		BranchCode:     cmd.BranchCode,
		Products:       make([]domain.LineItem, 0, len(cmd.LineItems)),
		PaymentDetails: cmd.PaymentDetails,
		MpesaDetails:   cmd.MpesaDetails,
		IdempotencyKey: cmd.IdempotencyKey,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
	}

	for i, item := range cmd.LineItems {
		product, ok := products[item.ProductID]
		if !ok {
			return domain.Transaction{}, apperr.NotFound(fmt.Sprintf("product %s not found", item.ProductID))
		}
		if item.UnitPriceCents != nil && *item.UnitPriceCents != product.PriceCents {
			return domain.Transaction{}, apperr.Validation(fmt.Sprintf(
				"products[%d].price %d does not match catalog price %d", i, *item.UnitPriceCents, product.PriceCents))
		}
		line := domain.LineItem{ProductID: item.ProductID, Quantity: item.Quantity, UnitPriceCents: product.PriceCents}
		tx.Products = append(tx.Products, line)
		tx.AmountCents += line.TotalCents()
	}

	if cmd.AmountCents != nil && *cmd.AmountCents != tx.AmountCents {
		return domain.Transaction{}, apperr.Validation(fmt.Sprintf(
			"amount %d does not match line item total %d", *cmd.AmountCents, tx.AmountCents))
	}

	for _, demand := range tx.RequiredSupply() {
		available, ok := products[demand.ProductID].SupplyAt(tx.BranchCode)
		if !ok || available < demand.Quantity {
			return domain.Transaction{}, apperr.InsufficientSupply(fmt.Sprintf(
				"product %s has %d units at branch %s, %d requested", demand.ProductID, available, tx.BranchCode, demand.Quantity))
		}
	}
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, orderID string) (domain.Transaction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Transaction{}, apperr.Validation("transaction id is required")
	}
	if !xid.Valid("ord", orderID) {
		return domain.Transaction{}, apperr.Validation("malformed transaction id")
	}
	tx, err := s.repo.FindTransactionByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Transaction{}, apperr.NotFound(fmt.Sprintf("transaction %s not found", orderID))
		}
		return domain.Transaction{}, apperr.From(err)
	}
	return *tx, nil
}

// ListTransactions pages the ledger. Page is zero-based; the default order is
// newest first.
func (s *Service) ListTransactions(ctx context.Context, query domain.TransactionQuery) (domain.TransactionPage, error) {
	if query.Page < 0 {
		return domain.TransactionPage{}, apperr.Validation("page must not be negative")
	}
	switch {
	case query.PageSize <= 0:
		query.PageSize = defaultPageSize
	case query.PageSize > maxPageSize:
		query.PageSize = maxPageSize
	}
	query.SortBy = strings.TrimSpace(query.SortBy)
	if query.SortBy == "" {
		query.SortBy = "createdAt"
		query.SortDesc = true
	}
	if !store.SortableTransactionFields[query.SortBy] {
		return domain.TransactionPage{}, apperr.Validation(fmt.Sprintf("cannot sort by %q", query.SortBy))
	}
	query.Search = strings.TrimSpace(query.Search)

	page, err := s.repo.ListTransactions(ctx, query)
	if err != nil {
		return domain.TransactionPage{}, apperr.From(err)
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	return page, nil
}
