// Package service реализует движок журнала баллов: начисление, списание,
// отмены обеих операций и запросы баланса.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/points-system/internal/model"
	"github.com/mmeshcher/points-system/internal/pointerr"
	"github.com/mmeshcher/points-system/internal/validation"
)

// Limits описывает контракт чтения действующих лимитов движка. Значения
// читаются на каждую операцию: лимиты можно менять на горячую.
type Limits interface {
	MinAwardAmount(ctx context.Context) (int64, error)
	MaxAwardAmount(ctx context.Context) (int64, error)
	MaxBalancePerMember(ctx context.Context) (int64, error)
	DefaultExpiryDays(ctx context.Context) (int, error)
	MinExpiryDays(ctx context.Context) (int, error)
	MaxExpiryDays(ctx context.Context) (int, error)
}

// LedgerTx описывает операции хранилища внутри одной атомарной единицы
// работы. Методы *ForUpdate берут эксклюзивные блокировки строк в порядке
// выдачи результата и держат их до конца единицы работы.
type LedgerTx interface {
	UsableBatchesForUpdate(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error)
	BatchByAwardTxForUpdate(ctx context.Context, awardTxID int64) (*model.Batch, error)
	TransactionByKey(ctx context.Context, key string) (*model.Transaction, error)
	UsagesForUpdate(ctx context.Context, txID int64) ([]Usage, error)
	SumRemaining(ctx context.Context, memberID int64, now time.Time) (int64, error)
	InsertTransaction(ctx context.Context, t *model.Transaction) error
	UpdateTransactionReversed(ctx context.Context, t *model.Transaction) error
	InsertBatch(ctx context.Context, b *model.Batch) error
	UpdateBatch(ctx context.Context, b *model.Batch) error
	InsertUsageRecords(ctx context.Context, recs []*model.UsageRecord) error
	UpdateUsageRecordReversed(ctx context.Context, rec *model.UsageRecord) error
}

// Repository описывает контракт доступа к данным, используемый движком.
// InTx выполняет fn как одну атомарную единицу работы: либо фиксируются все
// изменения, либо ни одно.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
	SumRemaining(ctx context.Context, memberID int64, now time.Time) (int64, error)
	UsableBatches(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error)
	TransactionsByMember(ctx context.Context, memberID int64) ([]*model.Transaction, error)
}

// AwardResult — итог операции начисления.
type AwardResult struct {
	BatchKey  string
	MemberID  int64
	Amount    int64
	Manual    bool
	ExpiresAt time.Time
	Balance   int64
}

// AwardReversalResult — итог отмены начисления.
type AwardReversalResult struct {
	ReversalKey string
	OriginalKey string
	MemberID    int64
	Amount      int64
	Balance     int64
}

// BatchDraw — списание из одной партии в составе операции.
type BatchDraw struct {
	BatchID int64
	Amount  int64
}

// RedeemResult — итог операции списания.
type RedeemResult struct {
	TxKey    string
	MemberID int64
	Amount   int64
	OrderRef string
	Balance  int64
	Draws    []BatchDraw
}

// ReversalDetail — отмена по одной партии. Resurrected означает, что партия
// была просрочена и сумма начислена заново новой партией.
type ReversalDetail struct {
	BatchID     int64
	Amount      int64
	Resurrected bool
}

// MintedBatch — партия, начисленная заново взамен просроченной.
type MintedBatch struct {
	BatchKey string
	Amount   int64
	Reason   string
}

// RedemptionReversalResult — итог отмены списания.
type RedemptionReversalResult struct {
	ReversalKey         string
	OriginalKey         string
	MemberID            int64
	Amount              int64
	RemainingReversible int64
	Balance             int64
	Details             []ReversalDetail
	NewBatches          []MintedBatch
}

// BatchDetail — одна партия в детализации баланса.
type BatchDetail struct {
	BatchID         int64
	OriginalAmount  int64
	RemainingAmount int64
	Manual          bool
	ExpiresAt       time.Time
}

// BalanceDetail — баланс участника с детализацией по партиям в порядке
// списания.
type BalanceDetail struct {
	MemberID int64
	Balance  int64
	Batches  []BatchDetail
}

// HistoryItem — одна запись истории операций участника.
type HistoryItem struct {
	TxKey          string
	Type           model.TransactionType
	Amount         int64
	OrderRef       string
	ReversedAmount int64
	CreatedAt      time.Time
}

const mintReasonExpired = "original batch expired"

// Service — движок журнала баллов.
type Service struct {
	repo   Repository
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

// NewService создаёт движок с указанным хранилищем и источником лимитов.
func NewService(repo Repository, limits Limits, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

// Close закрывает ресурсы движка.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Award начисляет участнику новую партию баллов и возвращает итог операции.
// Сумма должна укладываться в лимиты на операцию, а итоговый баланс — в
// лимит на участника.
func (s *Service) Award(ctx context.Context, memberID, amount int64, manual bool, expiryDaysOverride *int) (*AwardResult, error) {
	minAmount, err := s.limits.MinAwardAmount(ctx)
	if err != nil {
		return nil, err
	}
	maxAmount, err := s.limits.MaxAwardAmount(ctx)
	if err != nil {
		return nil, err
	}
	if amount < minAmount || amount > maxAmount {
		return nil, pointerr.Validation(pointerr.CodeInvalidAwardAmount,
			"award amount must be between %d and %d, got %d", minAmount, maxAmount, amount)
	}

	expiryDays, err := s.resolveExpiryDays(ctx, expiryDaysOverride)
	if err != nil {
		return nil, err
	}

	maxBalance, err := s.limits.MaxBalancePerMember(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()

	var res *AwardResult
	err = s.repo.InTx(ctx, func(tx LedgerTx) error {
		balance, err := tx.SumRemaining(ctx, memberID, now)
		if err != nil {
			return err
		}
		if balance+amount > maxBalance {
			return pointerr.Validation(pointerr.CodeExceedsMaxBalance,
				"balance %d plus award %d exceeds max balance %d", balance, amount, maxBalance)
		}

		batch, txn, err := s.mint(ctx, tx, memberID, amount, manual, now.AddDate(0, 0, expiryDays), now)
		if err != nil {
			return err
		}

		res = &AwardResult{
			BatchKey:  txn.Key,
			MemberID:  memberID,
			Amount:    amount,
			Manual:    manual,
			ExpiresAt: batch.ExpiresAt,
			Balance:   balance + amount,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("points awarded",
		zap.String("batchKey", res.BatchKey),
		zap.Int64("memberID", memberID),
		zap.Int64("amount", amount),
		zap.Bool("manual", manual),
		zap.Time("expiresAt", res.ExpiresAt),
	)
	return res, nil
}

// mint создаёт транзакцию начисления и привязанную к ней партию внутри
// текущей единицы работы. Используется и обычным начислением, и повторным
// начислением при отмене списания: в обоих случаях партия и запись журнала
// фиксируются или откатываются вместе с внешней операцией.
func (s *Service) mint(ctx context.Context, tx LedgerTx, memberID, amount int64, manual bool, expiresAt, now time.Time) (*model.Batch, *model.Transaction, error) {
	txn := model.NewTransaction(memberID, model.TxTypeAward, amount, "", nil, now)
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, nil, err
	}

	batch := model.NewBatch(memberID, amount, manual, expiresAt, txn.ID, now)
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return nil, nil, err
	}
	return batch, txn, nil
}

func (s *Service) resolveExpiryDays(ctx context.Context, override *int) (int, error) {
	if override == nil {
		return s.limits.DefaultExpiryDays(ctx)
	}

	minDays, err := s.limits.MinExpiryDays(ctx)
	if err != nil {
		return 0, err
	}
	maxDays, err := s.limits.MaxExpiryDays(ctx)
	if err != nil {
		return 0, err
	}

	// Верхняя граница исключающая: значение, равное максимуму, отклоняется.
	if *override < minDays || *override >= maxDays {
		return 0, pointerr.Validation(pointerr.CodeInvalidExpiryDays,
			"expiry days must be in [%d, %d), got %d", minDays, maxDays, *override)
	}
	return *override, nil
}

// ReverseAward отменяет начисление по ключу его транзакции. Отменить можно
// только полностью неиспользованную партию; частичная отмена начисления не
// поддерживается.
func (s *Service) ReverseAward(ctx context.Context, key string) (*AwardReversalResult, error) {
	now := s.now()

	var res *AwardReversalResult
	err := s.repo.InTx(ctx, func(tx LedgerTx) error {
		orig, err := tx.TransactionByKey(ctx, key)
		if err != nil {
			return err
		}
		if orig.Type != model.TxTypeAward {
			return pointerr.Conflict(pointerr.CodeInvalidTransactionType,
				"only %s transactions can be reversed here, got %s", model.TxTypeAward, orig.Type)
		}

		batch, err := tx.BatchByAwardTxForUpdate(ctx, orig.ID)
		if err != nil {
			return err
		}
		if batch.UsedAmount() > 0 {
			return pointerr.Conflict(pointerr.CodeBatchAlreadyUsed,
				"cannot reverse a partially used award: used %d of %d", batch.UsedAmount(), batch.OriginalAmount)
		}

		if err := batch.Cancel(); err != nil {
			return err
		}
		if err := tx.UpdateBatch(ctx, batch); err != nil {
			return err
		}

		rev := model.NewTransaction(orig.MemberID, model.TxTypeAwardReversal, orig.Amount, "", &orig.ID, now)
		if err := tx.InsertTransaction(ctx, rev); err != nil {
			return err
		}

		balance, err := tx.SumRemaining(ctx, orig.MemberID, now)
		if err != nil {
			return err
		}

		res = &AwardReversalResult{
			ReversalKey: rev.Key,
			OriginalKey: orig.Key,
			MemberID:    orig.MemberID,
			Amount:      orig.Amount,
			Balance:     balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("award reversed",
		zap.String("originalKey", res.OriginalKey),
		zap.String("reversalKey", res.ReversalKey),
		zap.Int64("amount", res.Amount),
	)
	return res, nil
}

// Redeem списывает amount баллов участника в счёт заказа orderRef. Партии
// выбираются политикой распределения; блокировки строк берутся в том же
// порядке, в котором партии будут списаны.
func (s *Service) Redeem(ctx context.Context, memberID, amount int64, orderRef string) (*RedeemResult, error) {
	if amount <= 0 {
		return nil, pointerr.Validation(pointerr.CodeInvalidRedeemAmount,
			"redeem amount must be positive, got %d", amount)
	}
	if !validation.IsValidOrderRef(orderRef) {
		return nil, pointerr.Validation(pointerr.CodeOrderRefRequired, "order reference is required")
	}

	now := s.now()

	var res *RedeemResult
	err := s.repo.InTx(ctx, func(tx LedgerTx) error {
		batches, err := tx.UsableBatchesForUpdate(ctx, memberID, now)
		if err != nil {
			return err
		}

		var balance int64
		for _, b := range batches {
			balance += b.RemainingAmount
		}
		if balance < amount {
			return pointerr.Validation(pointerr.CodeInsufficientBalance,
				"balance %d, requested %d", balance, amount)
		}

		txn := model.NewTransaction(memberID, model.TxTypeRedemption, amount, orderRef, nil, now)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}

		plan := PlanAllocation(batches, amount, now)
		recs := make([]*model.UsageRecord, 0, len(plan))
		draws := make([]BatchDraw, 0, len(plan))
		for _, d := range plan {
			if err := d.Batch.Use(d.Amount); err != nil {
				return err
			}
			if err := tx.UpdateBatch(ctx, d.Batch); err != nil {
				return err
			}
			recs = append(recs, model.NewUsageRecord(txn.ID, d.Batch.ID, d.Amount))
			draws = append(draws, BatchDraw{BatchID: d.Batch.ID, Amount: d.Amount})
		}
		if err := tx.InsertUsageRecords(ctx, recs); err != nil {
			return err
		}

		res = &RedeemResult{
			TxKey:    txn.Key,
			MemberID: memberID,
			Amount:   amount,
			OrderRef: orderRef,
			Balance:  balance - amount,
			Draws:    draws,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("points redeemed",
		zap.String("txKey", res.TxKey),
		zap.Int64("memberID", memberID),
		zap.Int64("amount", amount),
		zap.String("orderRef", orderRef),
		zap.Int("batches", len(res.Draws)),
	)
	return res, nil
}

// ReverseRedemption отменяет часть списания по ключу его транзакции. Сумма
// распределяется по записям использования политикой отмены; доля просроченных
// партий начисляется заново новыми партиями с базовым сроком действия.
func (s *Service) ReverseRedemption(ctx context.Context, key string, amount int64) (*RedemptionReversalResult, error) {
	if amount <= 0 {
		return nil, pointerr.Validation(pointerr.CodeInvalidReversalAmount,
			"reversal amount must be positive, got %d", amount)
	}

	defaultDays, err := s.limits.DefaultExpiryDays(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()

	var res *RedemptionReversalResult
	err = s.repo.InTx(ctx, func(tx LedgerTx) error {
		orig, err := tx.TransactionByKey(ctx, key)
		if err != nil {
			return err
		}
		if orig.Type != model.TxTypeRedemption {
			return pointerr.Conflict(pointerr.CodeInvalidTransactionType,
				"only %s transactions can be reversed here, got %s", model.TxTypeRedemption, orig.Type)
		}
		if amount > orig.RemainingReversible() {
			return pointerr.Validation(pointerr.CodeExceedsReversible,
				"reversible %d, requested %d", orig.RemainingReversible(), amount)
		}

		rev := model.NewTransaction(orig.MemberID, model.TxTypeRedemptionReversal, amount, orig.OrderRef, &orig.ID, now)
		if err := tx.InsertTransaction(ctx, rev); err != nil {
			return err
		}

		usages, err := tx.UsagesForUpdate(ctx, orig.ID)
		if err != nil {
			return err
		}

		plan := PlanReversal(usages, amount, now)
		details := make([]ReversalDetail, 0, len(plan))
		var minted []MintedBatch
		for _, step := range plan {
			if err := step.Record.Reverse(step.Amount); err != nil {
				return err
			}
			if err := tx.UpdateUsageRecordReversed(ctx, step.Record); err != nil {
				return err
			}

			if step.Resurrect {
				// Просроченная партия не оживает: сумма начисляется заново
				// новой партией с тем же признаком ручной выдачи.
				_, mintTxn, err := s.mint(ctx, tx, orig.MemberID, step.Amount, step.Batch.Manual, now.AddDate(0, 0, defaultDays), now)
				if err != nil {
					return err
				}
				minted = append(minted, MintedBatch{
					BatchKey: mintTxn.Key,
					Amount:   step.Amount,
					Reason:   mintReasonExpired,
				})
			} else {
				if err := step.Batch.Restore(step.Amount); err != nil {
					return err
				}
				if err := tx.UpdateBatch(ctx, step.Batch); err != nil {
					return err
				}
			}

			details = append(details, ReversalDetail{
				BatchID:     step.Batch.ID,
				Amount:      step.Amount,
				Resurrected: step.Resurrect,
			})
		}

		if err := orig.AddReversedAmount(amount); err != nil {
			return err
		}
		if err := tx.UpdateTransactionReversed(ctx, orig); err != nil {
			return err
		}

		balance, err := tx.SumRemaining(ctx, orig.MemberID, now)
		if err != nil {
			return err
		}

		res = &RedemptionReversalResult{
			ReversalKey:         rev.Key,
			OriginalKey:         orig.Key,
			MemberID:            orig.MemberID,
			Amount:              amount,
			RemainingReversible: orig.RemainingReversible(),
			Balance:             balance,
			Details:             details,
			NewBatches:          minted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("redemption reversed",
		zap.String("originalKey", res.OriginalKey),
		zap.String("reversalKey", res.ReversalKey),
		zap.Int64("amount", amount),
		zap.Int("resurrected", len(res.NewBatches)),
	)
	return res, nil
}

// GetBalance возвращает баланс участника: сумму остатков его пригодных
// партий на текущий момент. Чтение без блокировок.
func (s *Service) GetBalance(ctx context.Context, memberID int64) (int64, error) {
	return s.repo.SumRemaining(ctx, memberID, s.now())
}

// GetBalanceDetail возвращает баланс участника с детализацией по партиям в
// порядке политики списания.
func (s *Service) GetBalanceDetail(ctx context.Context, memberID int64) (*BalanceDetail, error) {
	now := s.now()

	batches, err := s.repo.UsableBatches(ctx, memberID, now)
	if err != nil {
		return nil, err
	}
	SortForAllocation(batches)

	detail := &BalanceDetail{
		MemberID: memberID,
		Batches:  make([]BatchDetail, 0, len(batches)),
	}
	for _, b := range batches {
		detail.Balance += b.RemainingAmount
		detail.Batches = append(detail.Batches, BatchDetail{
			BatchID:         b.ID,
			OriginalAmount:  b.OriginalAmount,
			RemainingAmount: b.RemainingAmount,
			Manual:          b.Manual,
			ExpiresAt:       b.ExpiresAt,
		})
	}
	return detail, nil
}

// GetHistory возвращает все операции участника, новые первыми.
func (s *Service) GetHistory(ctx context.Context, memberID int64) ([]HistoryItem, error) {
	txs, err := s.repo.TransactionsByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(txs))
	for _, t := range txs {
		items = append(items, HistoryItem{
			TxKey:          t.Key,
			Type:           t.Type,
			Amount:         t.Amount,
			OrderRef:       t.OrderRef,
			ReversedAmount: t.ReversedAmount,
			CreatedAt:      t.CreatedAt,
		})
	}
	return items, nil
}
