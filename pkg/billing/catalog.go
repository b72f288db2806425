package billing

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

//go:embed seeds/plans.yaml
var defaultSeed []byte

const (
	defaultCatalogCacheSize = 256
	defaultCatalogCacheTTL  = 5 * time.Minute
)

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	Store    PlanStore
	CacheTTL time.Duration
	Logger   Logger
	Clock    TimeSource
}

// Catalog is the read-mostly plan catalog. Lookups by id and slug are cached.
type Catalog struct {
	store  PlanStore
	cache  *lru.LRU[string, *Plan]
	group  singleflight.Group
	logger Logger
	clock  TimeSource
}

// NewCatalog creates a catalog on top of store.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("plan store is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCatalogCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &Catalog{
		store:  cfg.Store,
		cache:  lru.NewLRU[string, *Plan](defaultCatalogCacheSize, nil, cfg.CacheTTL),
		logger: cfg.Logger,
		clock:  cfg.Clock,
	}, nil
}

// Get returns the plan with the given id.
func (c *Catalog) Get(ctx context.Context, id string) (*Plan, error) {
	return c.cached(ctx, "id:"+id, func(ctx context.Context) (*Plan, error) {
		return c.store.GetPlan(ctx, id)
	})
}

// GetBySlug returns the plan with the given slug.
func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*Plan, error) {
	return c.cached(ctx, "slug:"+slug, func(ctx context.Context) (*Plan, error) {
		return c.store.GetPlanBySlug(ctx, slug)
	})
}

// Resolve looks a plan up by id, then by slug.
func (c *Catalog) Resolve(ctx context.Context, idOrSlug string) (*Plan, error) {
	p, err := c.Get(ctx, idOrSlug)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPlanNotFound) {
		return nil, err
	}
	return c.GetBySlug(ctx, idOrSlug)
}

// List returns plans ordered by sort order.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]*Plan, error) {
	plans, err := c.store.ListPlans(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	sort.SliceStable(plans, func(i, j int) bool { return plans[i].SortOrder < plans[j].SortOrder })
	return plans, nil
}

// MatchPrice finds the active plan whose monthly, then yearly, price equals the
// given amount in minor units. The returned cycle is the one that matched.
func (c *Catalog) MatchPrice(ctx context.Context, minorAmount int64) (*Plan, BillingCycle, bool, error) {
	plans, err := c.List(ctx, true)
	if err != nil {
		return nil, "", false, err
	}
	amount := FromMinorUnits(minorAmount)
	for _, p := range plans {
		if p.Pricing.Monthly.Equal(amount) {
			return p, CycleMonthly, true, nil
		}
	}
	for _, p := range plans {
		if p.Pricing.Yearly.Equal(amount) {
			return p, CycleYearly, true, nil
		}
	}
	return nil, "", false, nil
}

// Invalidate drops every cached plan.
func (c *Catalog) Invalidate() {
	c.cache.Purge()
}

func (c *Catalog) cached(ctx context.Context, key string, load func(context.Context) (*Plan, error)) (*Plan, error) {
	if p, ok := c.cache.Get(key); ok {
		return p.Clone(), nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		p, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, p)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Plan).Clone(), nil
}

type seedFile struct {
	Plans []seedPlan `yaml:"plans"`
}

type seedPricing struct {
	Monthly  string `yaml:"monthly"`
	Yearly   string `yaml:"yearly"`
	Currency string `yaml:"currency"`
}

type seedPlan struct {
	ID          string      `yaml:"id"`
	Slug        string      `yaml:"slug"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Pricing     seedPricing `yaml:"pricing"`
	PriceRefs   PriceRefs   `yaml:"processorPriceRefs"`
	Features    []Feature   `yaml:"features"`
	Limits      Limits      `yaml:"limits"`
	IsActive    bool        `yaml:"isActive"`
	IsPopular   bool        `yaml:"isPopular"`
	SortOrder   int         `yaml:"sortOrder"`
}

// ParseSeed decodes a plan seed document. A nil document yields the built-in seed.
func ParseSeed(doc []byte) ([]*Plan, error) {
	if doc == nil {
		doc = defaultSeed
	}
	var f seedFile
	if err := yaml.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("failed to parse plan seed: %w", err)
	}
	plans := make([]*Plan, 0, len(f.Plans))
	for _, sp := range f.Plans {
		if sp.Slug == "" {
			return nil, fmt.Errorf("plan seed entry %q has no slug", sp.Name)
		}
		monthly, err := parseAmount(sp.Pricing.Monthly)
		if err != nil {
			return nil, fmt.Errorf("plan %s monthly price: %w", sp.Slug, err)
		}
		yearly, err := parseAmount(sp.Pricing.Yearly)
		if err != nil {
			return nil, fmt.Errorf("plan %s yearly price: %w", sp.Slug, err)
		}
		currency := sp.Pricing.Currency
		if currency == "" {
			currency = "USD"
		}
		id := sp.ID
		if id == "" {
			id = "plan_" + sp.Slug
		}
		plans = append(plans, &Plan{
			ID:                 id,
			Slug:               sp.Slug,
			Name:               sp.Name,
			Description:        sp.Description,
			Pricing:            Pricing{Monthly: monthly, Yearly: yearly, Currency: currency},
			ProcessorPriceRefs: sp.PriceRefs,
			Features:           sp.Features,
			Limits:             sp.Limits,
			IsActive:           sp.IsActive,
			IsPopular:          sp.IsPopular,
			SortOrder:          sp.SortOrder,
		})
	}
	return plans, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Seed inserts seed plans whose slug is missing. Existing plans are never
// repriced; only empty processor price references are backfilled.
func (c *Catalog) Seed(ctx context.Context, plans []*Plan) (created, updated int, err error) {
	now := c.clock.Now()
	for _, seed := range plans {
		existing, err := c.store.GetPlanBySlug(ctx, seed.Slug)
		switch {
		case errors.Is(err, ErrPlanNotFound):
			p := seed.Clone()
			p.CreatedAt, p.UpdatedAt = now, now
			if err := c.store.UpsertPlan(ctx, p); err != nil {
				return created, updated, fmt.Errorf("failed to seed plan %s: %w", seed.Slug, err)
			}
			created++
			c.logger.Info("seeded plan", F("slug", seed.Slug), F("plan_id", p.ID))
		case err != nil:
			return created, updated, fmt.Errorf("failed to look up plan %s: %w", seed.Slug, err)
		default:
			if !backfillPriceRefs(existing, seed.ProcessorPriceRefs) {
				continue
			}
			existing.UpdatedAt = now
			if err := c.store.UpsertPlan(ctx, existing); err != nil {
				return created, updated, fmt.Errorf("failed to backfill plan %s: %w", seed.Slug, err)
			}
			updated++
			c.logger.Info("backfilled plan price references", F("slug", seed.Slug))
		}
	}
	c.Invalidate()
	return created, updated, nil
}

func backfillPriceRefs(p *Plan, refs PriceRefs) bool {
	changed := false
	if p.ProcessorPriceRefs.Monthly == "" && refs.Monthly != "" {
		p.ProcessorPriceRefs.Monthly = refs.Monthly
		changed = true
	}
	if p.ProcessorPriceRefs.Yearly == "" && refs.Yearly != "" {
		p.ProcessorPriceRefs.Yearly = refs.Yearly
		changed = true
	}
	return changed
}
