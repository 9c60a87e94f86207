package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/membermatters/billing/pkg/billing"
	"github.com/membermatters/billing/storage/memory"
	"github.com/membermatters/billing/storage/postgres"
)

// seedFile is the YAML layout accepted by `memberbilling seed` and
// `serve --seed`.
type seedFile struct {
	Tiers []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		Description     string `yaml:"description"`
		StripeProductID string `yaml:"stripe_product_id"`
		Visible         bool   `yaml:"visible"`
		Featured        bool   `yaml:"featured"`
		Plans           []struct {
			ID            string `yaml:"id"`
			Name          string `yaml:"name"`
			StripePriceID string `yaml:"stripe_price_id"`
			Visible       bool   `yaml:"visible"`
			Cost          int64  `yaml:"cost"`
			Currency      string `yaml:"currency"`
			Interval      string `yaml:"interval"`
		} `yaml:"plans"`
	} `yaml:"tiers"`
	Doors      []seedAccess `yaml:"doors"`
	Interlocks []seedAccess `yaml:"interlocks"`
	Members    []struct {
		ID         string `yaml:"id"`
		Email      string `yaml:"email"`
		FullName   string `yaml:"full_name"`
		Phone      string `yaml:"phone"`
		AccessCard string `yaml:"access_card"`
		// Inducted is a YYYY-MM-DD date.
		Inducted string `yaml:"inducted"`
	} `yaml:"members"`
}

type seedAccess struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	AllMembers bool   `yaml:"all_members"`
}

func seedCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load tiers, plans, doors, interlocks and members into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if _, err := requireDatabase(cfg); err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // command exit

			return a.seedFromFile(ctx, args[0])
		},
	}
}

func (a *app) seedFromFile(ctx context.Context, path string) error {
	seed, err := readSeed(path)
	if err != nil {
		return err
	}
	if err := applySeed(ctx, a.store, seed); err != nil {
		return err
	}
	a.logger.Info("seed loaded",
		billing.F("file", path),
		billing.F("tiers", len(seed.Tiers)),
		billing.F("doors", len(seed.Doors)),
		billing.F("interlocks", len(seed.Interlocks)),
		billing.F("members", len(seed.Members)),
	)
	return nil
}

func readSeed(path string) (*seedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// seedTarget is the write side of a store. Postgres writes take a context;
// the in-memory store does not, so memoryTarget adapts it.
type seedTarget interface {
	PutTier(ctx context.Context, t billing.MemberTier) error
	PutDoor(ctx context.Context, d billing.Door) error
	PutInterlock(ctx context.Context, i billing.Interlock) error
	PutMember(ctx context.Context, m *billing.Member) error
}

type memoryTarget struct{ s *memory.Storage }

func (t memoryTarget) PutTier(_ context.Context, tier billing.MemberTier) error {
	t.s.PutTier(tier)
	return nil
}

func (t memoryTarget) PutDoor(_ context.Context, d billing.Door) error {
	t.s.PutDoor(d)
	return nil
}

func (t memoryTarget) PutInterlock(_ context.Context, i billing.Interlock) error {
	t.s.PutInterlock(i)
	return nil
}

func (t memoryTarget) PutMember(_ context.Context, m *billing.Member) error {
	return t.s.PutMember(m)
}

func applySeed(ctx context.Context, s store, seed *seedFile) error {
	var target seedTarget
	switch st := s.(type) {
	case *postgres.Storage:
		target = st
	case *memory.Storage:
		target = memoryTarget{s: st}
	default:
		return fmt.Errorf("store %T cannot be seeded", s)
	}

	for _, t := range seed.Tiers {
		tier := billing.MemberTier{
			ID:                t.ID,
			Name:              t.Name,
			Description:       t.Description,
			ProviderProductID: t.StripeProductID,
			Visible:           t.Visible,
			Featured:          t.Featured,
		}
		for _, p := range t.Plans {
			tier.Plans = append(tier.Plans, billing.PaymentPlan{
				ID:              p.ID,
				Name:            p.Name,
				ProviderPriceID: p.StripePriceID,
				TierID:          t.ID,
				Visible:         p.Visible,
				Cost:            p.Cost,
				Currency:        p.Currency,
				Interval:        p.Interval,
			})
		}
		if err := target.PutTier(ctx, tier); err != nil {
			return fmt.Errorf("tier %s: %w", t.ID, err)
		}
	}

	for _, d := range seed.Doors {
		if err := target.PutDoor(ctx, billing.Door(d)); err != nil {
			return fmt.Errorf("door %s: %w", d.ID, err)
		}
	}
	for _, i := range seed.Interlocks {
		if err := target.PutInterlock(ctx, billing.Interlock(i)); err != nil {
			return fmt.Errorf("interlock %s: %w", i.ID, err)
		}
	}

	for _, m := range seed.Members {
		member := &billing.Member{
			ID:         m.ID,
			Email:      m.Email,
			FullName:   m.FullName,
			Phone:      m.Phone,
			AccessCard: m.AccessCard,
		}
		if m.Inducted != "" {
			inducted, err := time.Parse(time.DateOnly, m.Inducted)
			if err != nil {
				return fmt.Errorf("member %s: invalid inducted date: %w", m.ID, err)
			}
			member.LastInductionDate = &inducted
		}
		if err := target.PutMember(ctx, member); err != nil {
			return fmt.Errorf("member %s: %w", m.ID, err)
		}
	}
	return nil
}
