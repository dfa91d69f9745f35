package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
)

// Schema is the full marketplace DDL. Every statement is idempotent.
//
//go:embed schema.sql
var Schema string

// Migrate applies Schema through q.
func Migrate(ctx context.Context, q Querier) error {
	sql := strings.TrimSpace(Schema)
	if sql == "" {
		return fmt.Errorf("db: empty schema")
	}
	if _, err := q.Exec(ctx, sql); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}
	return nil
}
