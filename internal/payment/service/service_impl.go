package service

import (
	"context"
	"strings"

	ledgerdomain "github.com/smallbiznis/tokenvault/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/tokenvault/internal/payment/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo paymentdomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo paymentdomain.Repository
}

func NewService(p Params) paymentdomain.HistoryService {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("payment.service"),
		repo: p.Repo,
	}
}

func (s *Service) ListPayments(ctx context.Context, userID string, page pagination.Pagination) (*paymentdomain.ListPaymentsResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, paymentdomain.ErrInvalidUser
	}

	records, info, err := s.repo.ListByUser(ctx, s.db, userID, page)
	if err != nil {
		s.log.Error("list payments failed", zap.Error(err))
		return nil, err
	}
	if records == nil {
		records = []ledgerdomain.PaymentRecord{}
	}
	return &paymentdomain.ListPaymentsResponse{PageInfo: info, Payments: records}, nil
}
