package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  tenantdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  tenantdomain.Repository
}

func New(p Params) tenantdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenant.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*tenantdomain.Tenant, error) {
	tenant, err := s.repo.FindTenant(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}
	return tenant, nil
}

func (s *Service) Exists(ctx context.Context, id snowflake.ID) (bool, error) {
	tenant, err := s.repo.FindTenant(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	return tenant != nil && tenant.Status == tenantdomain.TenantStatusActive, nil
}

func (s *Service) IsAdmin(ctx context.Context, id snowflake.ID) (bool, error) {
	tenant, err := s.repo.FindTenant(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	return tenant != nil && tenant.AdminFlag, nil
}

func (s *Service) SoftRemove(ctx context.Context, id snowflake.ID) error {
	tenant, err := s.repo.FindTenant(ctx, s.db, id)
	if err != nil {
		return err
	}
	if tenant == nil {
		return tenantdomain.ErrTenantNotFound
	}

	// Event rows inside partitions are left for the retention job; only
	// the metering bookkeeping is cascaded here.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.UpdateTenantStatus(ctx, tx, id, tenantdomain.TenantStatusRemoved); err != nil {
			return err
		}
		if err := tx.Exec(`UPDATE resources SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE tenant_id = ?`,
			tenantdomain.ResourceStatusDeleted, id).Error; err != nil {
			return err
		}
		if err := tx.Exec(`DELETE FROM usage_counters WHERE tenant_id = ?`, id).Error; err != nil {
			return err
		}
		return tx.Exec(`DELETE FROM threshold_notifications WHERE tenant_id = ?`, id).Error
	})
}

func (s *Service) CreateResource(ctx context.Context, tenantID snowflake.ID, kind string) (*tenantdomain.Resource, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, tenantdomain.ErrInvalidKind
	}

	now := time.Now().UTC()
	resource := &tenantdomain.Resource{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		Kind:      kind,
		Status:    tenantdomain.ResourceStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertResource(ctx, s.db, resource); err != nil {
		return nil, err
	}
	return resource, nil
}

func (s *Service) DeleteResource(ctx context.Context, tenantID, id snowflake.ID) error {
	return s.repo.UpdateResourceStatus(ctx, s.db, tenantID, id, tenantdomain.ResourceStatusDeleted)
}

func (s *Service) CountActiveResources(ctx context.Context, tenantID snowflake.ID, kind string) (int64, error) {
	return s.repo.CountActiveResources(ctx, s.db, tenantID, kind)
}

// PlanResolverParams wires the default billing mirror resolver.
type PlanResolverParams struct {
	fx.In

	DB   *gorm.DB
	Repo tenantdomain.Repository
}

type planResolver struct {
	db   *gorm.DB
	repo tenantdomain.Repository
}

// NewPlanResolver reads the local subscription_plans mirror. Tenants with
// no mirrored row fall back to the free plan.
func NewPlanResolver(p PlanResolverParams) tenantdomain.PlanResolver {
	return &planResolver{db: p.DB, repo: p.Repo}
}

func (r *planResolver) GetEffectivePlan(ctx context.Context, tenantID snowflake.ID) (tenantdomain.Plan, error) {
	plan, err := r.repo.FindPlan(ctx, r.db, tenantID)
	if err != nil {
		return tenantdomain.Plan{}, err
	}
	if plan == nil || plan.Status != tenantdomain.PlanStatusActive {
		return tenantdomain.Plan{PlanType: tenantdomain.PlanFree, Status: tenantdomain.PlanStatusActive}, nil
	}
	return tenantdomain.Plan{PlanType: plan.PlanType, Status: plan.Status}, nil
}
