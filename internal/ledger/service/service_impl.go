package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/tokenvault/internal/balance/domain"
	"github.com/smallbiznis/tokenvault/internal/clock"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	"github.com/smallbiznis/tokenvault/internal/notify"
	obsmetrics "github.com/smallbiznis/tokenvault/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	productdomain "github.com/smallbiznis/tokenvault/internal/product/domain"
	usagedomain "github.com/smallbiznis/tokenvault/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	GrantRepo   grantdomain.Repository
	UsageRepo   usagedomain.Repository
	PaymentRepo paymentdomain.Repository
	Balance     balancedomain.Service
	Products    productdomain.Service
	Cache       balancedomain.Cache `optional:"true"`
	Publisher   notify.Publisher    `optional:"true"`
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	grantRepo   grantdomain.Repository
	usageRepo   usagedomain.Repository
	paymentRepo paymentdomain.Repository
	balance     balancedomain.Service
	products    productdomain.Service
	cache       balancedomain.Cache
	publisher   notify.Publisher
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	publisher := p.Publisher
	if publisher == nil {
		publisher = notify.Noop{}
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("ledger.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		grantRepo:   p.GrantRepo,
		usageRepo:   p.UsageRepo,
		paymentRepo: p.PaymentRepo,
		balance:     p.Balance,
		products:    p.Products,
		cache:       p.Cache,
		publisher:   publisher,
		obsMetrics:  p.ObsMetrics,
	}
}

// IssueGrant turns a verified payment into credits exactly once per (provider, order_ref).
// A redelivered confirmation returns the stored record with Duplicate set.
func (s *Service) IssueGrant(ctx context.Context, confirmation ledgerdomain.PaymentConfirmation) (*ledgerdomain.IssueResult, error) {
	if err := normalizeConfirmation(&confirmation); err != nil {
		return nil, err
	}

	existing, err := s.paymentRepo.FindRecord(ctx, s.db, confirmation.Provider, confirmation.OrderRef)
	if err != nil {
		return nil, storageErr(err)
	}
	if existing != nil {
		return duplicateResult(existing), nil
	}

	entitlement, err := s.products.Entitlement(ctx, confirmation.ProductID)
	if err != nil {
		if errors.Is(err, productdomain.ErrNotFound) || errors.Is(err, productdomain.ErrInvalidID) {
			return nil, ledgerdomain.ErrProductNotFound
		}
		return nil, err
	}
	mode := ledgerdomain.Mode(entitlement.Mode)
	if confirmation.Mode == "" {
		confirmation.Mode = mode
	}
	if confirmation.Mode != mode {
		return nil, ledgerdomain.ErrModeMismatch
	}

	if confirmation.Currency == "" {
		confirmation.Currency = strings.ToUpper(entitlement.Currency)
	}

	now := s.clock.Now()
	if confirmation.OccurredAt.IsZero() {
		confirmation.OccurredAt = now
	}
	record := ledgerdomain.PaymentRecord{
		ID:          s.genID.Generate(),
		UserID:      confirmation.UserID,
		ProductID:   entitlement.ProductID,
		ProductName: entitlement.Name,
		Mode:        string(mode),
		Provider:    confirmation.Provider,
		OrderRef:    confirmation.OrderRef,
		Amount:      confirmation.Amount,
		Currency:    confirmation.Currency,
		Status:      ledgerdomain.PaymentStatusSuccess,
		CreatedAt:   now,
	}
	if len(confirmation.Meta) > 0 {
		meta, err := json.Marshal(confirmation.Meta)
		if err != nil {
			return nil, fmt.Errorf("encode payment meta: %w", err)
		}
		record.Meta = datatypes.JSON(meta)
	}

	var result *ledgerdomain.IssueResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.paymentRepo.InsertRecord(ctx, tx, &record)
		if err != nil {
			return err
		}
		if !inserted {
			return ledgerdomain.ErrDuplicateEvent
		}

		res := &ledgerdomain.IssueResult{Record: record}
		if !entitlement.Grants() {
			result = res
			return nil
		}

		var ref grantdomain.GrantRef
		switch mode {
		case ledgerdomain.ModeSubscription:
			sub, grant, err := s.issueSubscription(ctx, tx, confirmation, entitlement, now)
			if err != nil {
				return err
			}
			ref = grant.Ref()
			res.Subscription = sub
		case ledgerdomain.ModeOneTime:
			grant, err := s.grantRepo.UpsertOnetimeGrant(ctx, tx, &grantdomain.OnetimeGrant{
				ID:           s.genID.Generate(),
				UserID:       confirmation.UserID,
				OrderRef:     confirmation.OrderRef,
				TotalCredits: entitlement.Credits,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}
			if grant == nil {
				return grantdomain.ErrGrantNotFound
			}
			ref = grant.Ref()
		default:
			return ledgerdomain.ErrInvalidMode
		}

		if err := s.paymentRepo.AttachGrant(ctx, tx, record.ID, ref); err != nil {
			return err
		}
		kind := string(ref.Kind)
		grantID := ref.ID
		res.Record.GrantKind = &kind
		res.Record.GrantID = &grantID
		res.Grant = &ref
		res.Credits = entitlement.Credits
		result = res
		return nil
	})
	if errors.Is(err, ledgerdomain.ErrDuplicateEvent) {
		// lost the race to a concurrent delivery of the same order
		stored, findErr := s.paymentRepo.FindRecord(ctx, s.db, confirmation.Provider, confirmation.OrderRef)
		if findErr != nil {
			return nil, storageErr(findErr)
		}
		if stored == nil {
			// the conflict came from a row other than this order's payment record; let the provider retry
			s.log.Error("order conflict without a payment record",
				zap.String("provider", confirmation.Provider),
				zap.String("order_ref", confirmation.OrderRef),
			)
			return nil, fmt.Errorf("%w: conflicting order has no payment record", ledgerdomain.ErrStorageUnavailable)
		}
		return duplicateResult(stored), nil
	}
	if err != nil {
		s.log.Error("grant issuance failed",
			zap.String("provider", confirmation.Provider),
			zap.String("product_id", confirmation.ProductID),
			zap.Error(err),
		)
		return nil, storageErr(err)
	}

	s.afterIssue(ctx, confirmation, result)
	return result, nil
}

func (s *Service) issueSubscription(
	ctx context.Context,
	tx *gorm.DB,
	confirmation ledgerdomain.PaymentConfirmation,
	entitlement *productdomain.Entitlement,
	now time.Time,
) (*grantdomain.Subscription, *grantdomain.SubscriptionGrant, error) {
	start := now
	latest, err := s.grantRepo.FindLatestValidSubscription(ctx, tx, confirmation.UserID, now)
	if err != nil {
		return nil, nil, err
	}
	if latest != nil && latest.ExpireTime.After(now) {
		start = latest.ExpireTime
	}

	sub := &grantdomain.Subscription{
		ID:         s.genID.Generate(),
		UserID:     confirmation.UserID,
		ProductID:  entitlement.ProductID,
		Status:     grantdomain.SubscriptionStatusActive,
		Provider:   confirmation.Provider,
		OrderRef:   confirmation.OrderRef,
		StartTime:  start,
		ExpireTime: start.AddDate(0, 0, entitlement.SubscriptionDays),
		CreatedAt:  now,
	}
	inserted, err := s.grantRepo.InsertSubscription(ctx, tx, sub)
	if err != nil {
		return nil, nil, err
	}
	if !inserted {
		return nil, nil, ledgerdomain.ErrDuplicateEvent
	}

	grant := &grantdomain.SubscriptionGrant{
		ID:             s.genID.Generate(),
		UserID:         confirmation.UserID,
		SubscriptionID: sub.ID,
		OrderRef:       confirmation.OrderRef,
		TotalCredits:   entitlement.Credits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.grantRepo.CreateSubscriptionGrant(ctx, tx, grant); err != nil {
		if errors.Is(err, grantdomain.ErrDuplicateGrant) {
			return nil, nil, ledgerdomain.ErrDuplicateEvent
		}
		return nil, nil, err
	}
	return sub, grant, nil
}

// Debit charges amount against one grant and logs the usage in the same transaction.
// A zero amount charges nothing.
func (s *Service) Debit(ctx context.Context, req ledgerdomain.DebitRequest) (*ledgerdomain.DebitResult, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if req.Amount < 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if req.Amount == 0 {
		return &ledgerdomain.DebitResult{}, nil
	}
	req.Capability = strings.TrimSpace(req.Capability)
	if req.Capability == "" {
		return nil, ledgerdomain.ErrInvalidCapability
	}

	var result *ledgerdomain.DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		grant, err := s.chargeGrant(ctx, tx, req, now)
		if err != nil {
			return err
		}

		record := usagedomain.UsageRecord{
			ID:         s.genID.Generate(),
			UserID:     req.UserID,
			Amount:     req.Amount,
			Capability: req.Capability,
			SessionID:  req.SessionID,
			CreatedAt:  now,
		}
		record.SetGrantRef(grant.Ref)
		if err := s.usageRepo.Append(ctx, tx, &record); err != nil {
			return err
		}

		result = &ledgerdomain.DebitResult{
			Charged:   true,
			Grant:     grant.Ref,
			Amount:    req.Amount,
			Remaining: grant.Remaining(),
			UsageID:   record.ID,
		}
		return nil
	})
	if err != nil {
		s.obsMetrics.RecordDebit(ctx, obsmetrics.GrantKindNone, debitOutcome(err), req.Amount)
		if !errors.Is(err, ledgerdomain.ErrInsufficientCredits) && !errors.Is(err, balancedomain.ErrNoCreditsAvailable) {
			s.log.Error("debit failed",
				zap.String("capability", req.Capability),
				zap.Int64("amount", req.Amount),
				zap.Error(err),
			)
		}
		return nil, storageErr(err)
	}

	s.afterDebit(ctx, req, result)
	return result, nil
}

// chargeGrant retries selection once when a concurrent debit drained the chosen grant
// between the read and the conditional update.
func (s *Service) chargeGrant(ctx context.Context, tx *gorm.DB, req ledgerdomain.DebitRequest, now time.Time) (*grantdomain.Grant, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		selected, err := s.balance.SelectGrantForDebit(ctx, tx, req.UserID, req.Amount)
		if err != nil {
			return nil, err
		}
		updated, err := s.grantRepo.IncrementUsed(ctx, tx, selected.Ref, req.Amount, now)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, grantdomain.ErrInsufficientCredits) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) HasSufficientCredits(ctx context.Context, userID string, amount int64) (bool, error) {
	return s.balance.HasSufficientCredits(ctx, userID, amount)
}

func (s *Service) afterIssue(ctx context.Context, confirmation ledgerdomain.PaymentConfirmation, result *ledgerdomain.IssueResult) {
	s.invalidate(ctx, confirmation.UserID)
	s.obsMetrics.RecordGrantIssued(ctx, confirmation.Provider, string(confirmation.Mode), result.Credits)

	payload := map[string]any{
		"provider":   confirmation.Provider,
		"order_ref":  confirmation.OrderRef,
		"product_id": result.Record.ProductID,
		"mode":       result.Record.Mode,
		"credits":    result.Credits,
	}
	if result.Grant != nil {
		payload["grant_kind"] = string(result.Grant.Kind)
		payload["grant_id"] = result.Grant.ID.String()
	}
	s.publish(ctx, notify.Event{
		ID:         result.Record.ID.String(),
		Type:       notify.EventGrantIssued,
		UserID:     confirmation.UserID,
		Payload:    payload,
		OccurredAt: confirmation.OccurredAt,
	})
}

func (s *Service) afterDebit(ctx context.Context, req ledgerdomain.DebitRequest, result *ledgerdomain.DebitResult) {
	s.invalidate(ctx, req.UserID)
	s.obsMetrics.RecordDebit(ctx, string(result.Grant.Kind), obsmetrics.DebitCharged, result.Amount)

	s.publish(ctx, notify.Event{
		ID:     result.UsageID.String(),
		Type:   notify.EventDebited,
		UserID: req.UserID,
		Payload: map[string]any{
			"amount":     result.Amount,
			"capability": req.Capability,
			"session_id": req.SessionID,
			"grant_kind": string(result.Grant.Kind),
			"grant_id":   result.Grant.ID.String(),
			"remaining":  result.Remaining,
		},
		OccurredAt: s.clock.Now(),
	})
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.log.Warn("balance cache invalidation failed", zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn("ledger event publish failed", zap.String("event_type", event.Type), zap.Error(err))
	}
}

func normalizeConfirmation(c *ledgerdomain.PaymentConfirmation) error {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		return ledgerdomain.ErrInvalidProvider
	}
	c.OrderRef = strings.TrimSpace(c.OrderRef)
	if c.OrderRef == "" {
		return ledgerdomain.ErrInvalidOrderRef
	}
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return ledgerdomain.ErrInvalidUser
	}
	c.ProductID = strings.TrimSpace(c.ProductID)
	if c.ProductID == "" {
		return ledgerdomain.ErrInvalidProduct
	}
	switch c.Mode {
	case "", ledgerdomain.ModeSubscription, ledgerdomain.ModeOneTime:
	default:
		return ledgerdomain.ErrInvalidMode
	}
	if c.Amount < 0 {
		return ledgerdomain.ErrInvalidAmount
	}
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	c.OccurredAt = c.OccurredAt.UTC()
	return nil
}

func duplicateResult(record *ledgerdomain.PaymentRecord) *ledgerdomain.IssueResult {
	res := &ledgerdomain.IssueResult{Record: *record, Duplicate: true}
	if record.GrantKind != nil && record.GrantID != nil {
		res.Grant = &grantdomain.GrantRef{Kind: grantdomain.Kind(*record.GrantKind), ID: *record.GrantID}
	}
	return res
}

func debitOutcome(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, balancedomain.ErrNoCreditsAvailable):
		return "no_credits"
	default:
		return "error"
	}
}

var passthrough = []error{
	ledgerdomain.ErrDuplicateEvent,
	ledgerdomain.ErrInvalidMode,
	ledgerdomain.ErrStorageUnavailable,
	grantdomain.ErrInsufficientCredits,
	grantdomain.ErrGrantNotFound,
	grantdomain.ErrInvalidGrantRef,
	grantdomain.ErrInvalidAmount,
	balancedomain.ErrNoCreditsAvailable,
	balancedomain.ErrInvalidUser,
	balancedomain.ErrInvalidAmount,
	usagedomain.ErrInvalidRecord,
	usagedomain.ErrStorageUnavailable,
}

// storageErr keeps domain errors intact and classifies everything else as a storage failure.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range passthrough {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ledgerdomain.ErrStorageUnavailable, err)
}
