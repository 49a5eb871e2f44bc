package audit

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/db/models"
	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:audit_repo?mode=memory&cache=shared"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.Migrator().DropTable(models.All()...))
	require.NoError(t, conn.AutoMigrate(models.All()...))
	return conn
}

func TestRepositoryAppendAndFilter(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	batch := uuid.New()

	credit := NewEvent(enums.AuditEventCredit, "alice", decimal.RequireFromString("20"), "commission", at)
	credit.BatchID = batch
	credit.Data = map[string]any{"level": float64(1)}
	breaker := NewEvent(enums.AuditEventBreakerTransition, "", decimal.Zero, "solvency below minimum", at.Add(time.Minute))

	require.NoError(t, repo.Append(ctx, credit, breaker))

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	byAccount, err := repo.List(ctx, Filter{AccountID: "alice"})
	require.NoError(t, err)
	require.Len(t, byAccount, 1)
	require.Equal(t, batch, byAccount[0].BatchID)
	require.Equal(t, float64(1), byAccount[0].Data["level"])
	require.True(t, byAccount[0].Amount.Equal(decimal.NewFromInt(20)))

	byType, err := repo.List(ctx, Filter{Types: []enums.AuditEventType{enums.AuditEventBreakerTransition}})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Empty(t, byType[0].AccountID)

	require.Error(t, repo.Append(ctx, Event{Type: "nope"}))
}

func TestMemoryAndLogSinks(t *testing.T) {
	buf := &bytes.Buffer{}
	mem := NewMemorySink()
	sink := MultiSink{mem, NewLogSink(logger.New(logger.Options{ServiceName: "test", Output: buf}))}

	ev := NewEvent(enums.AuditEventReserveDraw, "", decimal.NewFromInt(100), "incident 42", time.Now())
	ev.Actor = "ops"
	require.NoError(t, sink.Append(context.Background(), ev))

	require.Len(t, mem.OfType(enums.AuditEventReserveDraw), 1)
	require.Contains(t, buf.String(), `"reason":"incident 42"`)
	require.Contains(t, buf.String(), `"audit_type":"reserve_draw"`)
}
