// Package model содержит доменные сущности сервиса баллов.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchStatus описывает статус жизненного цикла партии баллов.
type BatchStatus string

const (
	BatchStatusActive    BatchStatus = "ACTIVE"
	BatchStatusCancelled BatchStatus = "CANCELLED"
	BatchStatusExpired   BatchStatus = "EXPIRED"
)

// TransactionType описывает тип записи в журнале операций.
type TransactionType string

const (
	TxTypeAward              TransactionType = "AWARD"
	TxTypeAwardReversal      TransactionType = "AWARD_REVERSAL"
	TxTypeRedemption         TransactionType = "REDEMPTION"
	TxTypeRedemptionReversal TransactionType = "REDEMPTION_REVERSAL"
)

// ErrBatchInsufficient возвращается при попытке списать из партии больше её остатка.
var (
	ErrBatchInsufficient = errors.New("insufficient remaining amount in batch")
	// ErrBatchOverRestore возвращается, если восстановление превысило бы исходную сумму партии.
	ErrBatchOverRestore = errors.New("cannot restore more than original amount")
	// ErrBatchPartiallyUsed возвращается при попытке аннулировать частично использованную партию.
	ErrBatchPartiallyUsed = errors.New("cannot cancel partially used batch")
	// ErrReversedOverAmount возвращается, если счётчик отмен превысил бы сумму операции.
	ErrReversedOverAmount = errors.New("reversed amount cannot exceed amount")
)

// Batch представляет одну партию начисленных баллов с собственным сроком
// действия. Все изменения остатка идут через Use/Restore/Cancel, которые
// сохраняют инварианты партии.
type Batch struct {
	ID              int64
	MemberID        int64
	OriginalAmount  int64
	RemainingAmount int64
	Manual          bool
	Status          BatchStatus
	ExpiresAt       time.Time
	CreatedAt       time.Time
	AwardTxID       int64
}

// NewBatch создаёт активную партию, привязанную к транзакции начисления.
func NewBatch(memberID, amount int64, manual bool, expiresAt time.Time, awardTxID int64, now time.Time) *Batch {
	return &Batch{
		MemberID:        memberID,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		Manual:          manual,
		Status:          BatchStatusActive,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		AwardTxID:       awardTxID,
	}
}

// Use списывает amount из остатка партии.
func (b *Batch) Use(amount int64) error {
	if amount > b.RemainingAmount {
		return ErrBatchInsufficient
	}
	b.RemainingAmount -= amount
	return nil
}

// Restore возвращает amount в остаток партии. Остаток не может превысить
// исходную сумму.
func (b *Batch) Restore(amount int64) error {
	if b.RemainingAmount+amount > b.OriginalAmount {
		return ErrBatchOverRestore
	}
	b.RemainingAmount += amount
	return nil
}

// Cancel аннулирует партию. Допускается только для полностью неиспользованной
// партии; остаток обнуляется.
func (b *Batch) Cancel() error {
	if b.RemainingAmount < b.OriginalAmount {
		return ErrBatchPartiallyUsed
	}
	b.Status = BatchStatusCancelled
	b.RemainingAmount = 0
	return nil
}

// Expire помечает партию просроченной. Вызывается только фоновой очисткой.
func (b *Batch) Expire() {
	b.Status = BatchStatusExpired
}

// IsExpired возвращает true, если партия просрочена по статусу или по времени.
// Проверка по времени обязательна: статус EXPIRED выставляется фоновой
// очисткой с запаздыванием.
func (b *Batch) IsExpired(now time.Time) bool {
	return b.Status == BatchStatusExpired || now.After(b.ExpiresAt)
}

// IsUsable возвращает true, если из партии можно списывать: партия активна,
// не просрочена и имеет положительный остаток.
func (b *Batch) IsUsable(now time.Time) bool {
	return b.Status == BatchStatusActive && !b.IsExpired(now) && b.RemainingAmount > 0
}

// UsedAmount возвращает использованную часть партии.
func (b *Batch) UsedAmount() int64 {
	return b.OriginalAmount - b.RemainingAmount
}

// Transaction — одна запись журнала операций. После создания изменяется
// только счётчик отменённой суммы, и только в сторону увеличения.
type Transaction struct {
	ID             int64
	Key            string
	MemberID       int64
	Type           TransactionType
	Amount         int64
	OrderRef       string
	RelatedTxID    *int64
	ReversedAmount int64
	CreatedAt      time.Time
}

// NewTransaction создаёт запись журнала с новым ключом.
func NewTransaction(memberID int64, txType TransactionType, amount int64, orderRef string, relatedTxID *int64, now time.Time) *Transaction {
	return &Transaction{
		Key:         NewTransactionKey(),
		MemberID:    memberID,
		Type:        txType,
		Amount:      amount,
		OrderRef:    orderRef,
		RelatedTxID: relatedTxID,
		CreatedAt:   now,
	}
}

// NewTransactionKey возвращает короткий публичный ключ транзакции: первые
// восемь символов UUID в верхнем регистре.
func NewTransactionKey() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

// AddReversedAmount увеличивает счётчик отменённой суммы транзакции.
func (t *Transaction) AddReversedAmount(amount int64) error {
	if t.ReversedAmount+amount > t.Amount {
		return ErrReversedOverAmount
	}
	t.ReversedAmount += amount
	return nil
}

// RemainingReversible возвращает сумму, которую ещё можно отменить.
func (t *Transaction) RemainingReversible() int64 {
	return t.Amount - t.ReversedAmount
}

// UsageRecord связывает транзакцию списания с партией, из которой списано.
type UsageRecord struct {
	ID             int64
	TxID           int64
	BatchID        int64
	Amount         int64
	ReversedAmount int64
}

// NewUsageRecord создаёт запись использования партии в составе списания.
func NewUsageRecord(txID, batchID, amount int64) *UsageRecord {
	return &UsageRecord{
		TxID:    txID,
		BatchID: batchID,
		Amount:  amount,
	}
}

// Reverse увеличивает счётчик отменённой суммы записи использования.
func (u *UsageRecord) Reverse(amount int64) error {
	if u.ReversedAmount+amount > u.Amount {
		return ErrReversedOverAmount
	}
	u.ReversedAmount += amount
	return nil
}

// RemainingReversible возвращает сумму, которую ещё можно отменить по записи.
func (u *UsageRecord) RemainingReversible() int64 {
	return u.Amount - u.ReversedAmount
}
