package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
// Stores accept it so callers decide whether a write joins a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB can run statements directly and open transactions.
type DB interface {
	Querier
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// TxCallbacks is implemented by transactions that can notify in-memory
// stores when they end. Real pgx transactions don't implement it.
type TxCallbacks interface {
	OnCommit(fn func())
	OnRollback(fn func())
}

var (
	_ DB      = (*Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Table quotes a table name supplied through configuration.
// Accepts "name" or "schema.name".
func Table(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("table name is required")
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	for _, p := range parts {
		if !isIdent(p) {
			return "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return pgx.Identifier(parts).Sanitize(), nil
}

func isIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
