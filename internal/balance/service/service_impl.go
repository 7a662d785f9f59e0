package service

import (
	"context"
	"strings"

	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/clock"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  grantdomain.Repository
	Cache balancedomain.Cache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  grantdomain.Repository
	cache balancedomain.Cache
}

func NewService(p Params) balancedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("balance.service"),
		clock: p.Clock,
		repo:  p.Repo,
		cache: p.Cache,
	}
}

// HasSufficientCredits is a single-grant check: one grant must cover the whole amount.
// Credits are never summed across the subscription and top-up grants.
func (s *Service) HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, balancedomain.ErrInvalidUser
	}
	if amount < 0 {
		return false, balancedomain.ErrInvalidAmount
	}

	sub, onetime, err := s.load(ctx, s.db, userID)
	if err != nil {
		return false, err
	}
	if sub != nil && sub.Remaining() >= amount {
		return true, nil
	}
	if onetime != nil && onetime.Remaining() >= amount {
		return true, nil
	}
	return false, nil
}

// SelectGrantForDebit prefers the active subscription grant and falls through to the top-up grant.
// It reads through db so the ledger can run it inside the debit transaction.
func (s *Service) SelectGrantForDebit(ctx context.Context, db *gorm.DB, userID string, amount int64) (*grantdomain.Grant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, balancedomain.ErrInvalidUser
	}
	if amount <= 0 {
		return nil, balancedomain.ErrInvalidAmount
	}

	sub, onetime, err := s.load(ctx, db, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil && onetime == nil {
		return nil, balancedomain.ErrNoCreditsAvailable
	}
	if sub != nil && sub.Remaining() >= amount {
		return sub, nil
	}
	if onetime != nil && onetime.Remaining() >= amount {
		return onetime, nil
	}
	return nil, balancedomain.ErrInsufficientCredits
}

func (s *Service) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, balancedomain.ErrInvalidUser
	}
	grant, err := s.repo.FindActiveSubscriptionGrant(ctx, s.db, userID, s.clock.Now())
	if err != nil {
		return false, err
	}
	return grant != nil, nil
}

func (s *Service) Snapshot(ctx context.Context, userID string) (*balancedomain.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, balancedomain.ErrInvalidUser
	}

	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.log.Warn("balance cache read failed", zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	now := s.clock.Now()
	balance := &balancedomain.Balance{UserID: userID, AsOf: now}

	sub, err := s.repo.FindActiveSubscriptionGrant(ctx, s.db, userID, now)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		view := grantBalance(sub.View())
		cycles, err := s.repo.ListSubscriptionGrants(ctx, s.db, userID)
		if err != nil {
			return nil, err
		}
		for _, cycle := range cycles {
			if cycle.ID == sub.ID {
				expire := cycle.ExpireTime
				view.ExpireTime = &expire
				break
			}
		}
		balance.Subscription = view
		balance.Total += view.Remaining
	}

	onetime, err := s.repo.FindOnetimeGrant(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if onetime != nil {
		view := grantBalance(onetime.View())
		balance.Onetime = view
		balance.Total += view.Remaining
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, balance); err != nil {
			s.log.Warn("balance cache write failed", zap.Error(err))
		}
	}
	return balance, nil
}

// SubscriptionStatus reports the active cycle; ExpireTime is the end of the last chained renewal.
func (s *Service) SubscriptionStatus(ctx context.Context, userID string) (*balancedomain.SubscriptionStatus, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, balancedomain.ErrInvalidUser
	}

	now := s.clock.Now()
	status := &balancedomain.SubscriptionStatus{}

	cycles, err := s.repo.ListSubscriptionGrants(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	for i := range cycles {
		cycle := cycles[i]
		if cycle.Status != grantdomain.SubscriptionStatusActive {
			continue
		}
		if !cycle.StartTime.After(now) && cycle.ExpireTime.After(now) {
			status.Active = true
			status.Current = &cycle
			status.Grant = grantBalance(cycle.SubscriptionGrant.View())
			break
		}
	}

	latest, err := s.repo.FindLatestValidSubscription(ctx, s.db, userID, now)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		expire := latest.ExpireTime
		status.ExpireTime = &expire
	}
	return status, nil
}

func (s *Service) load(ctx context.Context, db *gorm.DB, userID string) (*grantdomain.Grant, *grantdomain.Grant, error) {
	var subView, onetimeView *grantdomain.Grant

	sub, err := s.repo.FindActiveSubscriptionGrant(ctx, db, userID, s.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	if sub != nil {
		view := sub.View()
		subView = &view
	}

	onetime, err := s.repo.FindOnetimeGrant(ctx, db, userID)
	if err != nil {
		return nil, nil, err
	}
	if onetime != nil {
		view := onetime.View()
		onetimeView = &view
	}
	return subView, onetimeView, nil
}

func grantBalance(g grantdomain.Grant) *balancedomain.GrantBalance {
	return &balancedomain.GrantBalance{
		Ref:          g.Ref,
		TotalCredits: g.TotalCredits,
		UsedCredits:  g.UsedCredits,
		Remaining:    g.Remaining(),
	}
}
