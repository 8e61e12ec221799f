package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"retailcore/internal/apperr"
	"retailcore/internal/domain"
	"retailcore/internal/logger"
	"retailcore/internal/metrics"
	"retailcore/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	DefaultBranchCode string
	// CommitTimeout bounds the atomic ledger+supply unit once it has started.
	CommitTimeout time.Duration
}

type Service struct {
	repo          store.Repository
	validate      *validator.Validate
	metrics       *metrics.Metrics
	log           *zap.Logger
	defaultBranch string
	commitTimeout time.Duration
}

func New(repo store.Repository, m *metrics.Metrics, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	branch := strings.ToUpper(strings.TrimSpace(opts.DefaultBranchCode))
	if branch == "" {
		branch = "NBO001"
	}
	timeout := opts.CommitTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		repo:          repo,
		validate:      domain.NewValidator(),
		metrics:       m,
		log:           log.With(zap.String("component", "service")),
		defaultBranch: branch,
		commitTimeout: timeout,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, apperr.From(err)
	}
	return products, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, apperr.Validation("product id is required")
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, apperr.From(err)
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, in domain.ProductInput) (domain.Product, error) {
	in = normalizeProductInput(in)
	if err := s.validateStruct(in); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, productFromInput("", in))
	if err != nil {
		return domain.Product{}, apperr.From(err)
	}
	s.actorLog(ctx).Info("product created", zap.String("product_id", created.ID))
	return *created, nil
}

// UpdateProduct replaces every field of the product, supply included.
func (s *Service) UpdateProduct(ctx context.Context, id string, in domain.ProductInput) (domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Product{}, apperr.Validation("product id is required")
	}
	in = normalizeProductInput(in)
	if err := s.validateStruct(in); err != nil {
		return domain.Product{}, err
	}

	updated, err := s.repo.UpdateProduct(ctx, productFromInput(id, in))
	if err != nil {
		return domain.Product{}, apperr.From(err)
	}
	s.actorLog(ctx).Info("product updated", zap.String("product_id", updated.ID))
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return apperr.Validation("product id is required")
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return apperr.From(err)
	}
	s.actorLog(ctx).Info("product deleted", zap.String("product_id", id))
	return nil
}

func normalizeProductInput(in domain.ProductInput) domain.ProductInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	in.Description = strings.TrimSpace(in.Description)
	supply := make([]domain.SupplyEntry, 0, len(in.Supply))
	for _, entry := range in.Supply {
		entry.BranchCode = strings.ToUpper(strings.TrimSpace(entry.BranchCode))
		supply = append(supply, entry)
	}
	in.Supply = supply
	return in
}

func productFromInput(id string, in domain.ProductInput) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        in.Name,
		Category:    in.Category,
		PriceCents:  in.PriceCents,
		Rating:      in.Rating,
		Description: in.Description,
		Supply:      in.Supply,
	}
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Validation(fmt.Sprintf("%s failed %q validation", fe.Namespace(), fe.Tag()))
	}
	return apperr.Validation(err.Error())
}

func (s *Service) actorLog(ctx context.Context) *zap.Logger {
	log := logger.WithContext(ctx, s.log)
	if actor, ok := ActorFromContext(ctx); ok {
		log = log.With(zap.String("actor", actor.Username), zap.String("role", actor.Role))
	}
	return log
}
