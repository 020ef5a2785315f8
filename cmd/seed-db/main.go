package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/address"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/catalog"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/discount"
	"github.com/amirhossein-moloki/ecommerce-core/internal/domain/identity"
	"github.com/amirhossein-moloki/ecommerce-core/internal/storage/postgres"
)

type seedFile struct {
	Products  []productJSON  `json:"products"`
	Discounts []discountJSON `json:"discounts"`
	Addresses []addressJSON  `json:"addresses"`
}

type productJSON struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Tags     []string      `json:"tags"`
	Variants []variantJSON `json:"variants"`
}

type variantJSON struct {
	ID     string          `json:"id"`
	SKU    string          `json:"sku"`
	Price  decimal.Decimal `json:"price"`
	Stock  int             `json:"stock"`
	Weight decimal.Decimal `json:"weight"`
	Length decimal.Decimal `json:"length"`
	Width  decimal.Decimal `json:"width"`
	Height decimal.Decimal `json:"height"`
}

type discountJSON struct {
	Name              string          `json:"name"`
	Code              string          `json:"code"`
	Type              discount.Type   `json:"type"`
	Amount            decimal.Decimal `json:"amount"`
	ValidDays         int             `json:"valid_days"`
	MinPurchaseAmount decimal.Decimal `json:"min_purchase_amount"`
	MaxUsage          int             `json:"max_usage"`
	UsagePerUser      int             `json:"usage_per_user"`
	// Rule targets are resolved by name against the seeded catalog.
	Products   []string `json:"products"`
	Categories []string `json:"categories"`
	Tags       []string `json:"tags"`
}

type addressJSON struct {
	UserID        int64  `json:"user_id"`
	ReceiverName  string `json:"receiver_name"`
	ReceiverPhone string `json:"receiver_phone"`
	Province      string `json:"province"`
	City          string `json:"city"`
	CityCode      int    `json:"city_code"`
	PostalCode    string `json:"postal_code"`
	FullAddress   string `json:"full_address"`
}

// names maps seeded catalog names to ids.
type names struct {
	products   map[string]int64
	categories map[string]int64
	tags       map[string]int64
}

func main() {
	var (
		databaseURL string
		seedPath    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/catalog.json", "path to seed JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedPath); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedPath string) error {
	slog.Info("reading seed file", slog.String("path", seedPath))

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed JSON")
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	runner := postgres.NewTransactor(pool)
	var resolved names
	err = runner.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		resolved, err = seedCatalog(ctx, postgres.NewCatalogWriter(pool), seed.Products)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "seed catalog")
	}

	if err := seedDiscounts(ctx, runner, postgres.NewDiscountRepository(pool), seed.Discounts, resolved); err != nil {
		return errors.Wrap(err, "seed discounts")
	}

	addresses := postgres.NewAddressRepository(pool)
	if err := seedAddresses(ctx, address.NewService(addresses, runner), addresses, seed.Addresses); err != nil {
		return errors.Wrap(err, "seed addresses")
	}

	return nil
}

func seedCatalog(ctx context.Context, w *postgres.CatalogWriter, products []productJSON) (names, error) {
	n := names{
		products:   make(map[string]int64),
		categories: make(map[string]int64),
		tags:       make(map[string]int64),
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		var categoryID int64
		if p.Category != "" {
			id, ok := n.categories[p.Category]
			if !ok {
				var err error
				if id, err = w.EnsureCategory(ctx, p.Category); err != nil {
					return n, err
				}
				n.categories[p.Category] = id
			}
			categoryID = id
		}

		tagIDs := make([]int64, 0, len(p.Tags))
		for _, tag := range p.Tags {
			id, ok := n.tags[tag]
			if !ok {
				var err error
				if id, err = w.EnsureTag(ctx, tag); err != nil {
					return n, err
				}
				n.tags[tag] = id
			}
			tagIDs = append(tagIDs, id)
		}

		productID, err := w.EnsureProduct(ctx, p.Name, categoryID, tagIDs)
		if err != nil {
			return n, err
		}
		n.products[p.Name] = productID

		for _, v := range p.Variants {
			if err := w.UpsertVariant(ctx, catalog.Variant{
				ID:        v.ID,
				ProductID: productID,
				SKU:       v.SKU,
				Price:     v.Price,
				Stock:     v.Stock,
				Weight:    v.Weight,
				Length:    v.Length,
				Width:     v.Width,
				Height:    v.Height,
			}); err != nil {
				return n, err
			}
		}

		slog.Info("upserted product",
			slog.Int64("id", productID),
			slog.String("name", p.Name),
			slog.Int("variants", len(p.Variants)),
		)
	}

	return n, nil
}

type discountStore interface {
	Create(ctx context.Context, d *discount.Discount) error
	ListAutomatic(ctx context.Context, now time.Time) ([]discount.Discount, error)
}

type txRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

func seedDiscounts(ctx context.Context, runner txRunner, repo discountStore, list []discountJSON, n names) error {
	slog.Info("seeding discounts", slog.Int("count", len(list)))

	now := time.Now().UTC().Truncate(time.Hour)
	automatic, err := repo.ListAutomatic(ctx, now)
	if err != nil {
		return errors.Wrap(err, "list automatic discounts")
	}
	seeded := make(map[string]bool, len(automatic))
	for _, d := range automatic {
		seeded[d.Name] = true
	}

	for _, dj := range list {
		d, err := dj.build(now, n)
		if err != nil {
			return errors.Wrapf(err, "discount %q", dj.Name)
		}
		// Automatic discounts have no code to collide on, so match by name.
		if d.Code == "" && seeded[d.Name] {
			slog.Info("discount already present", slog.String("name", d.Name))
			continue
		}

		err = runner.WithinTx(ctx, func(ctx context.Context) error {
			return repo.Create(ctx, d)
		})
		if errors.Is(err, discount.ErrCodeExists) {
			slog.Info("discount already present", slog.String("code", d.Code))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create discount %q", dj.Name)
		}

		slog.Info("created discount", slog.Int64("id", d.ID), slog.String("name", d.Name), slog.String("code", d.Code))
	}

	return nil
}

func (dj discountJSON) build(now time.Time, n names) (*discount.Discount, error) {
	if !dj.Type.Valid() {
		return nil, errors.Errorf("unknown type %q", dj.Type)
	}
	days := dj.ValidDays
	if days <= 0 {
		days = 30
	}
	d := &discount.Discount{
		Name:              dj.Name,
		Code:              dj.Code,
		Type:              dj.Type,
		Amount:            dj.Amount,
		ValidFrom:         now.Add(-time.Hour),
		ValidTo:           now.AddDate(0, 0, days),
		MinPurchaseAmount: dj.MinPurchaseAmount,
		MaxUsage:          dj.MaxUsage,
		UsagePerUser:      dj.UsagePerUser,
		Active:            true,
	}
	if d.MaxUsage == 0 {
		d.MaxUsage = 1000
	}
	if d.UsagePerUser == 0 {
		d.UsagePerUser = 1
	}

	var rule discount.Rule
	for _, name := range dj.Products {
		id, ok := n.products[name]
		if !ok {
			return nil, errors.Errorf("unknown product %q", name)
		}
		rule.ProductIDs = append(rule.ProductIDs, id)
	}
	for _, name := range dj.Categories {
		id, ok := n.categories[name]
		if !ok {
			return nil, errors.Errorf("unknown category %q", name)
		}
		rule.CategoryIDs = append(rule.CategoryIDs, id)
	}
	for _, name := range dj.Tags {
		id, ok := n.tags[name]
		if !ok {
			return nil, errors.Errorf("unknown tag %q", name)
		}
		rule.TagIDs = append(rule.TagIDs, id)
	}
	if len(rule.ProductIDs)+len(rule.CategoryIDs)+len(rule.TagIDs) > 0 {
		d.Rules = []discount.Rule{rule}
	}
	return d, nil
}

type addressLister interface {
	ListByUser(ctx context.Context, userID int64) ([]address.Address, error)
}

// seedAddresses gives each listed user their address unless they already
// have one.
func seedAddresses(ctx context.Context, svc *address.Service, existing addressLister, list []addressJSON) error {
	slog.Info("seeding addresses", slog.Int("count", len(list)))

	for _, aj := range list {
		have, err := existing.ListByUser(ctx, aj.UserID)
		if err != nil {
			return errors.Wrapf(err, "list addresses of user %d", aj.UserID)
		}
		if len(have) > 0 {
			continue
		}

		a, err := svc.Create(ctx, identity.User{ID: aj.UserID}, address.Address{
			ReceiverName:  aj.ReceiverName,
			ReceiverPhone: aj.ReceiverPhone,
			Province:      aj.Province,
			City:          aj.City,
			CityCode:      aj.CityCode,
			PostalCode:    aj.PostalCode,
			FullAddress:   aj.FullAddress,
		})
		if err != nil {
			return errors.Wrapf(err, "create address for user %d", aj.UserID)
		}

		slog.Info("created address", slog.Int64("id", a.ID), slog.Int64("user_id", aj.UserID))
	}

	return nil
}
