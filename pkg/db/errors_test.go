package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueViolation(t *testing.T) {
	pgxErr := &pgconn.PgError{Code: "23505", ConstraintName: "idx_settlement_batches_round_id"}
	pqErr := &pq.Error{Code: "23505", Constraint: "settlement_batches_pkey"}
	sqliteErr := errors.New("UNIQUE constraint failed: settlement_batches.round_id")

	require.True(t, IsUniqueViolation(fmt.Errorf("insert: %w", pgxErr), ""))
	require.True(t, IsUniqueViolation(pgxErr, "idx_settlement_batches_round_id"))
	require.False(t, IsUniqueViolation(pgxErr, "settlement_batches_pkey"))
	require.True(t, IsUniqueViolation(pqErr, "settlement_batches_pkey"))
	require.False(t, IsUniqueViolation(&pq.Error{Code: "23503"}, ""))
	require.True(t, IsUniqueViolation(sqliteErr, ""))
	require.True(t, IsUniqueViolation(sqliteErr, "round_id"))
	require.False(t, IsUniqueViolation(errors.New("connection reset"), ""))
	require.False(t, IsUniqueViolation(nil, ""))
}
