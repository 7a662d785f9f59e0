package service

import (
	"context"
	"strings"

	usagedomain "github.com/smallbiznis/tokenvault/internal/usage/domain"
	"github.com/smallbiznis/tokenvault/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo usagedomain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo usagedomain.Repository
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *Service) ListUsage(ctx context.Context, userID string, page pagination.Pagination) (*usagedomain.ListUsageResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, usagedomain.ErrInvalidUser
	}

	records, info, err := s.repo.List(ctx, s.db, userID, page)
	if err != nil {
		s.log.Error("list usage failed", zap.Error(err))
		return nil, err
	}
	if records == nil {
		records = []usagedomain.UsageRecord{}
	}
	return &usagedomain.ListUsageResponse{PageInfo: info, UsageRecords: records}, nil
}
