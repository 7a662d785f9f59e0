package migration

import (
	"strings"

	"github.com/smallbiznis/tokenvault/internal/config"
	"github.com/smallbiznis/tokenvault/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if strings.EqualFold(strings.TrimSpace(cfg.DBType), db.TypeSQLite) {
			log.Info("applying sqlite schema from models")
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
