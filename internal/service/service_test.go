package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/points-system/internal/model"
	"github.com/mmeshcher/points-system/internal/pointerr"
)

// fakeLedger держит журнал в памяти. Проверки предусловий в движке идут до
// первой записи, поэтому откат при ошибке не моделируется.
type fakeLedger struct {
	txSeq    int64
	batchSeq int64
	usageSeq int64

	transactions []*model.Transaction
	batches      []*model.Batch
	usages       []*model.UsageRecord
}

func (f *fakeLedger) Close() error { return nil }

func (f *fakeLedger) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	return fn(f)
}

func (f *fakeLedger) SumRemaining(ctx context.Context, memberID int64, now time.Time) (int64, error) {
	var sum int64
	for _, b := range f.batches {
		if b.MemberID == memberID && b.IsUsable(now) {
			sum += b.RemainingAmount
		}
	}
	return sum, nil
}

func (f *fakeLedger) UsableBatches(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error) {
	var out []*model.Batch
	for _, b := range f.batches {
		if b.MemberID == memberID && b.IsUsable(now) {
			out = append(out, b)
		}
	}
	SortForAllocation(out)
	return out, nil
}

func (f *fakeLedger) UsableBatchesForUpdate(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error) {
	return f.UsableBatches(ctx, memberID, now)
}

func (f *fakeLedger) BatchByAwardTxForUpdate(ctx context.Context, awardTxID int64) (*model.Batch, error) {
	for _, b := range f.batches {
		if b.AwardTxID == awardTxID {
			return b, nil
		}
	}
	return nil, pointerr.NotFound(pointerr.CodeBatchNotFound, "batch for transaction %d not found", awardTxID)
}

func (f *fakeLedger) TransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	for _, t := range f.transactions {
		if t.Key == key {
			return t, nil
		}
	}
	return nil, pointerr.NotFound(pointerr.CodeTransactionNotFound, "transaction %s not found", key)
}

func (f *fakeLedger) UsagesForUpdate(ctx context.Context, txID int64) ([]Usage, error) {
	var out []Usage
	for _, u := range f.usages {
		if u.TxID != txID {
			continue
		}
		for _, b := range f.batches {
			if b.ID == u.BatchID {
				out = append(out, Usage{Record: u, Batch: b})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Batch.ExpiresAt.Before(out[j].Batch.ExpiresAt)
	})
	return out, nil
}

func (f *fakeLedger) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	f.txSeq++
	t.ID = f.txSeq
	f.transactions = append(f.transactions, t)
	return nil
}

func (f *fakeLedger) UpdateTransactionReversed(ctx context.Context, t *model.Transaction) error {
	return nil
}

func (f *fakeLedger) InsertBatch(ctx context.Context, b *model.Batch) error {
	f.batchSeq++
	b.ID = f.batchSeq
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeLedger) UpdateBatch(ctx context.Context, b *model.Batch) error { return nil }

func (f *fakeLedger) InsertUsageRecords(ctx context.Context, recs []*model.UsageRecord) error {
	for _, r := range recs {
		f.usageSeq++
		r.ID = f.usageSeq
		f.usages = append(f.usages, r)
	}
	return nil
}

func (f *fakeLedger) UpdateUsageRecordReversed(ctx context.Context, rec *model.UsageRecord) error {
	return nil
}

func (f *fakeLedger) TransactionsByMember(ctx context.Context, memberID int64) ([]*model.Transaction, error) {
	var out []*model.Transaction
	for _, t := range f.transactions {
		if t.MemberID == memberID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

type fakeLimits struct {
	minAward   int64
	maxAward   int64
	maxBalance int64
	defDays    int
	minDays    int
	maxDays    int
}

func (f *fakeLimits) MinAwardAmount(ctx context.Context) (int64, error)      { return f.minAward, nil }
func (f *fakeLimits) MaxAwardAmount(ctx context.Context) (int64, error)      { return f.maxAward, nil }
func (f *fakeLimits) MaxBalancePerMember(ctx context.Context) (int64, error) { return f.maxBalance, nil }
func (f *fakeLimits) DefaultExpiryDays(ctx context.Context) (int, error)     { return f.defDays, nil }
func (f *fakeLimits) MinExpiryDays(ctx context.Context) (int, error)         { return f.minDays, nil }
func (f *fakeLimits) MaxExpiryDays(ctx context.Context) (int, error)         { return f.maxDays, nil }

func defaultLimits() *fakeLimits {
	return &fakeLimits{
		minAward:   1,
		maxAward:   100000,
		maxBalance: 1000000,
		defDays:    365,
		minDays:    1,
		maxDays:    1825,
	}
}

type clock struct {
	current time.Time
}

func (c *clock) Now() time.Time { return c.current }

func (c *clock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestService(lim Limits) (*Service, *fakeLedger, *clock) {
	ledger := &fakeLedger{}
	clk := &clock{current: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}

	svc := NewService(ledger, lim, zap.NewNop())
	svc.now = clk.Now
	return svc, ledger, clk
}

func intPtr(v int) *int { return &v }

func TestAward_CreatesBatchAndTransaction(t *testing.T) {
	svc, ledger, clk := newTestService(defaultLimits())
	ctx := context.Background()

	res, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), res.Amount)
	assert.Equal(t, int64(1000), res.Balance)
	assert.Equal(t, clk.current.AddDate(0, 0, 365), res.ExpiresAt)
	assert.Len(t, res.BatchKey, 8)

	require.Len(t, ledger.transactions, 1)
	assert.Equal(t, model.TxTypeAward, ledger.transactions[0].Type)

	require.Len(t, ledger.batches, 1)
	assert.Equal(t, int64(1000), ledger.batches[0].RemainingAmount)
	assert.Equal(t, ledger.transactions[0].ID, ledger.batches[0].AwardTxID)
}

func TestAward_RejectsOutOfBoundsAmount(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
	}{
		{name: "zero", amount: 0},
		{name: "negative", amount: -100},
		{name: "above max", amount: 100001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Award(ctx, 1, tt.amount, false, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidAwardAmount))
		})
	}

	assert.Empty(t, ledger.transactions)
	assert.Empty(t, ledger.batches)
}

func TestAward_ExpiryOverrideBounds(t *testing.T) {
	svc, _, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 100, false, intPtr(0))
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidExpiryDays))

	// Верхняя граница исключающая.
	_, err = svc.Award(ctx, 1, 100, false, intPtr(1825))
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidExpiryDays))

	res, err := svc.Award(ctx, 1, 100, false, intPtr(1))
	require.NoError(t, err)
	assert.Equal(t, clk.current.AddDate(0, 0, 1), res.ExpiresAt)

	res, err = svc.Award(ctx, 1, 100, false, intPtr(1824))
	require.NoError(t, err)
	assert.Equal(t, clk.current.AddDate(0, 0, 1824), res.ExpiresAt)
}

func TestAward_RejectsWhenMaxBalanceExceeded(t *testing.T) {
	lim := defaultLimits()
	lim.maxBalance = 1500
	svc, ledger, _ := newTestService(lim)
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	_, err = svc.Award(ctx, 1, 600, false, nil)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeExceedsMaxBalance))

	require.Len(t, ledger.batches, 1)

	_, err = svc.Award(ctx, 1, 500, false, nil)
	require.NoError(t, err)
}

func TestReverseAward_CancelsUnusedBatch(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	award, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	res, err := svc.ReverseAward(ctx, award.BatchKey)
	require.NoError(t, err)

	assert.Equal(t, award.BatchKey, res.OriginalKey)
	assert.Equal(t, int64(1000), res.Amount)
	assert.Equal(t, int64(0), res.Balance)

	assert.Equal(t, model.BatchStatusCancelled, ledger.batches[0].Status)
	assert.Equal(t, int64(0), ledger.batches[0].RemainingAmount)

	require.Len(t, ledger.transactions, 2)
	rev := ledger.transactions[1]
	assert.Equal(t, model.TxTypeAwardReversal, rev.Type)
	require.NotNil(t, rev.RelatedTxID)
	assert.Equal(t, ledger.transactions[0].ID, *rev.RelatedTxID)
}

func TestReverseAward_RejectsPartiallyUsedBatch(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	award, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, 1, 100, "ORDER-1")
	require.NoError(t, err)

	_, err = svc.ReverseAward(ctx, award.BatchKey)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeBatchAlreadyUsed))

	assert.Equal(t, model.BatchStatusActive, ledger.batches[0].Status)
	assert.Equal(t, int64(900), ledger.batches[0].RemainingAmount)
}

func TestReverseAward_RejectsWrongTransactionType(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	redeem, err := svc.Redeem(ctx, 1, 100, "ORDER-1")
	require.NoError(t, err)

	_, err = svc.ReverseAward(ctx, redeem.TxKey)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidTransactionType))
}

func TestReverseAward_UnknownKey(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())

	_, err := svc.ReverseAward(context.Background(), "DEADBEEF")
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeTransactionNotFound))
}

func TestRedeem_ManualBatchesFirst(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	// Автоматическая партия сгорает раньше, но списание начинается с ручной.
	_, err := svc.Award(ctx, 1, 1000, false, intPtr(30))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 500, true, intPtr(300))
	require.NoError(t, err)

	res, err := svc.Redeem(ctx, 1, 700, "ORDER-1")
	require.NoError(t, err)

	require.Len(t, res.Draws, 2)
	assert.Equal(t, ledger.batches[1].ID, res.Draws[0].BatchID)
	assert.Equal(t, int64(500), res.Draws[0].Amount)
	assert.Equal(t, ledger.batches[0].ID, res.Draws[1].BatchID)
	assert.Equal(t, int64(200), res.Draws[1].Amount)

	assert.Equal(t, int64(800), res.Balance)
	assert.Equal(t, int64(0), ledger.batches[1].RemainingAmount)
	assert.Equal(t, int64(800), ledger.batches[0].RemainingAmount)

	require.Len(t, ledger.usages, 2)
}

func TestRedeem_InsufficientBalance(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 300, false, nil)
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, 1, 400, "ORDER-1")
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInsufficientBalance))

	// Отклонённое списание не оставляет следов в журнале.
	require.Len(t, ledger.transactions, 1)
	assert.Empty(t, ledger.usages)
	assert.Equal(t, int64(300), ledger.batches[0].RemainingAmount)
}

func TestRedeem_RejectsInvalidArguments(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Redeem(ctx, 1, 0, "ORDER-1")
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidRedeemAmount))

	_, err = svc.Redeem(ctx, 1, 100, "  ")
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeOrderRefRequired))
}

func TestRedeem_SkipsExpiredBatches(t *testing.T) {
	svc, _, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, intPtr(1))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 500, false, intPtr(30))
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)

	_, err = svc.Redeem(ctx, 1, 600, "ORDER-1")
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInsufficientBalance))

	res, err := svc.Redeem(ctx, 1, 500, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)
}

func TestReverseRedemption_RestoresByAscendingExpiration(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, intPtr(30))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 500, true, intPtr(300))
	require.NoError(t, err)

	redeem, err := svc.Redeem(ctx, 1, 700, "ORDER-1")
	require.NoError(t, err)

	// Списание прошло ручную партию первой, отмена идёт по возрастанию
	// срока действия: сначала автоматическая партия.
	res, err := svc.ReverseRedemption(ctx, redeem.TxKey, 300)
	require.NoError(t, err)

	require.Len(t, res.Details, 2)
	assert.Equal(t, ledger.batches[0].ID, res.Details[0].BatchID)
	assert.Equal(t, int64(200), res.Details[0].Amount)
	assert.Equal(t, ledger.batches[1].ID, res.Details[1].BatchID)
	assert.Equal(t, int64(100), res.Details[1].Amount)

	assert.Equal(t, int64(400), res.RemainingReversible)
	assert.Equal(t, int64(1100), res.Balance)
	assert.Empty(t, res.NewBatches)

	assert.Equal(t, int64(1000), ledger.batches[0].RemainingAmount)
	assert.Equal(t, int64(100), ledger.batches[1].RemainingAmount)
}

func TestReverseRedemption_RejectsOverReversibleAmount(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	redeem, err := svc.Redeem(ctx, 1, 500, "ORDER-1")
	require.NoError(t, err)

	_, err = svc.ReverseRedemption(ctx, redeem.TxKey, 600)
	require.Error(t, err)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeExceedsReversible))
	assert.Contains(t, err.Error(), "reversible 500, requested 600")
}

func TestReverseRedemption_RejectsInvalidArguments(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.ReverseRedemption(ctx, "DEADBEEF", 0)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidReversalAmount))

	_, err = svc.ReverseRedemption(ctx, "DEADBEEF", 100)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeTransactionNotFound))

	award, err := svc.Award(ctx, 1, 100, false, nil)
	require.NoError(t, err)

	_, err = svc.ReverseRedemption(ctx, award.BatchKey, 100)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeInvalidTransactionType))
}

func TestReverseRedemption_ResurrectsExpiredBatch(t *testing.T) {
	svc, ledger, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, intPtr(1))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 500, false, intPtr(365))
	require.NoError(t, err)

	redeem, err := svc.Redeem(ctx, 1, 1200, "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), redeem.Balance)

	// Первая партия сгорает до отмены.
	clk.Advance(48 * time.Hour)

	res, err := svc.ReverseRedemption(ctx, redeem.TxKey, 1100)
	require.NoError(t, err)

	// Доля сгоревшей партии начислена заново, живая партия восстановлена.
	require.Len(t, res.Details, 2)
	assert.Equal(t, ledger.batches[0].ID, res.Details[0].BatchID)
	assert.Equal(t, int64(1000), res.Details[0].Amount)
	assert.True(t, res.Details[0].Resurrected)
	assert.Equal(t, ledger.batches[1].ID, res.Details[1].BatchID)
	assert.Equal(t, int64(100), res.Details[1].Amount)
	assert.False(t, res.Details[1].Resurrected)

	require.Len(t, res.NewBatches, 1)
	assert.Equal(t, int64(1000), res.NewBatches[0].Amount)

	assert.Equal(t, int64(100), res.RemainingReversible)
	assert.Equal(t, int64(1400), res.Balance)

	// Сгоревшая партия не оживает.
	assert.Equal(t, int64(0), ledger.batches[0].RemainingAmount)
	assert.Equal(t, int64(400), ledger.batches[1].RemainingAmount)

	require.Len(t, ledger.batches, 3)
	minted := ledger.batches[2]
	assert.Equal(t, int64(1000), minted.RemainingAmount)
	assert.False(t, minted.Manual)
	assert.Equal(t, clk.current.AddDate(0, 0, 365), minted.ExpiresAt)

	// Остаток отменяемой суммы можно добрать второй отменой.
	res, err = svc.ReverseRedemption(ctx, redeem.TxKey, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.RemainingReversible)
	assert.Equal(t, int64(1500), res.Balance)
	assert.Equal(t, int64(500), ledger.batches[1].RemainingAmount)

	_, err = svc.ReverseRedemption(ctx, redeem.TxKey, 1)
	assert.ErrorIs(t, err, pointerr.ByCode(pointerr.CodeExceedsReversible))
}

func TestReverseRedemption_KeepsManualFlagOnMintedBatch(t *testing.T) {
	svc, ledger, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 300, true, intPtr(1))
	require.NoError(t, err)

	redeem, err := svc.Redeem(ctx, 1, 300, "ORDER-1")
	require.NoError(t, err)

	clk.Advance(48 * time.Hour)

	_, err = svc.ReverseRedemption(ctx, redeem.TxKey, 300)
	require.NoError(t, err)

	require.Len(t, ledger.batches, 2)
	assert.True(t, ledger.batches[1].Manual)
}

func TestGetBalanceDetail_AllocationOrder(t *testing.T) {
	svc, _, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, intPtr(30))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 500, true, intPtr(300))
	require.NoError(t, err)
	_, err = svc.Award(ctx, 1, 200, false, intPtr(10))
	require.NoError(t, err)

	detail, err := svc.GetBalanceDetail(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(1700), detail.Balance)
	require.Len(t, detail.Batches, 3)
	assert.True(t, detail.Batches[0].Manual)
	assert.Equal(t, clk.current.AddDate(0, 0, 10), detail.Batches[1].ExpiresAt)
	assert.Equal(t, clk.current.AddDate(0, 0, 30), detail.Batches[2].ExpiresAt)
}

func TestGetBalance_ReadsDoNotMutate(t *testing.T) {
	svc, ledger, _ := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		balance, err := svc.GetBalance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), balance)
	}

	require.Len(t, ledger.transactions, 1)
	require.Len(t, ledger.batches, 1)
}

func TestGetHistory_NewestFirst(t *testing.T) {
	svc, _, clk := newTestService(defaultLimits())
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	clk.Advance(time.Minute)
	redeem, err := svc.Redeem(ctx, 1, 400, "ORDER-1")
	require.NoError(t, err)

	clk.Advance(time.Minute)
	_, err = svc.ReverseRedemption(ctx, redeem.TxKey, 100)
	require.NoError(t, err)

	history, err := svc.GetHistory(ctx, 1)
	require.NoError(t, err)

	require.Len(t, history, 3)
	assert.Equal(t, model.TxTypeRedemptionReversal, history[0].Type)
	assert.Equal(t, model.TxTypeRedemption, history[1].Type)
	assert.Equal(t, model.TxTypeAward, history[2].Type)

	assert.Equal(t, int64(100), history[1].ReversedAmount)
}

func TestAward_IgnoresOtherMembersBalance(t *testing.T) {
	lim := defaultLimits()
	lim.maxBalance = 1000
	svc, _, _ := newTestService(lim)
	ctx := context.Background()

	_, err := svc.Award(ctx, 1, 1000, false, nil)
	require.NoError(t, err)

	// Лимит баланса считается на участника, не на всю систему.
	_, err = svc.Award(ctx, 2, 1000, false, nil)
	require.NoError(t, err)

	var redeemErr error
	_, redeemErr = svc.Redeem(ctx, 2, 1000, "ORDER-2")
	require.NoError(t, redeemErr)

	balance, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
}

func TestTypedErrorCarriesCodeAndStatus(t *testing.T) {
	svc, _, _ := newTestService(defaultLimits())

	_, err := svc.ReverseAward(context.Background(), "MISSING1")
	var appErr *pointerr.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, pointerr.CodeTransactionNotFound, appErr.Code)
	assert.Equal(t, 404, appErr.Status)
}
