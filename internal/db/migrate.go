package db

import (
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/punypage/punypage/internal/logging"
	"github.com/punypage/punypage/migrations"
)

// gooseLogger sends goose's progress lines to zap.
type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(strings.TrimPrefix(fmt.Sprintf(format, v...), "goose: ")))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Fatal(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate runs all pending goose migrations, logging progress to logger.
func Migrate(db *DB, logger *zap.Logger) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log: logging.OrNop(logger).Named("migrate").Sugar()})
	dialect := db.Driver
	if dialect == "sqlite" {
		dialect = "sqlite3"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Version returns the applied migration version.
func Version(db *DB) (int64, error) {
	goose.SetBaseFS(migrations.FS)
	return goose.GetDBVersion(db.DB)
}
