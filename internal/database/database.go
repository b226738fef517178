package database

import (
	"context"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"taskfarm/internal/config"
)

//go:embed schema.sql
var schema string

func New(conf *config.TFConfig) (*sqlx.DB, error) {
	return sqlx.Connect("pgx", conf.GetDatabaseURL())
}

// EnsureSchema creates the farm schema and its tables when missing. Every statement is
// idempotent so this runs on each start.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("could not apply schema. %w", err)
	}
	log.Debug().Msg("Database schema ensured")
	return nil
}
