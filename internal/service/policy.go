package service

import (
	"sort"
	"time"

	"github.com/mmeshcher/points-system/internal/model"
)

// Draw — решение о списании из одной партии.
type Draw struct {
	Batch  *model.Batch
	Amount int64
}

// Usage связывает запись использования с её партией, прочитанными одним
// согласованным чтением.
type Usage struct {
	Record *model.UsageRecord
	Batch  *model.Batch
}

// ReversalStep — решение об отмене по одной записи использования. При
// Resurrect остаток просроченной партии не восстанавливается — вместо этого
// начисляется новая партия на ту же сумму.
type ReversalStep struct {
	Record    *model.UsageRecord
	Batch     *model.Batch
	Amount    int64
	Resurrect bool
}

// SortForAllocation упорядочивает партии для списания: сначала выданные
// вручную, внутри группы — по возрастанию срока действия. Порядок детерминирован
// и сжигает в первую очередь баллы, которые иначе пропали бы.
func SortForAllocation(batches []*model.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		if batches[i].Manual != batches[j].Manual {
			return batches[i].Manual
		}
		return batches[i].ExpiresAt.Before(batches[j].ExpiresAt)
	})
}

// PlanAllocation выбирает партии для списания amount. Партии перебираются в
// порядке SortForAllocation; из каждой берётся минимум из её остатка и
// недостающей суммы, пока сумма не будет набрана. Хранилище не трогается:
// план применяет вызывающая сторона.
func PlanAllocation(batches []*model.Batch, amount int64, now time.Time) []Draw {
	SortForAllocation(batches)

	var plan []Draw
	rest := amount
	for _, b := range batches {
		if rest <= 0 {
			break
		}
		if !b.IsUsable(now) {
			continue
		}
		take := min(b.RemainingAmount, rest)
		plan = append(plan, Draw{Batch: b, Amount: take})
		rest -= take
	}
	return plan
}

// PlanReversal распределяет amount отмены по записям использования. Записи
// перебираются по возрастанию срока действия их партий независимо от порядка
// исходного списания; из каждой берётся минимум из её отменяемого остатка и
// нераспределённой суммы. Для просроченной партии (по производной проверке,
// не по статусу) планируется повторное начисление вместо восстановления.
func PlanReversal(usages []Usage, amount int64, now time.Time) []ReversalStep {
	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].Batch.ExpiresAt.Before(usages[j].Batch.ExpiresAt)
	})

	var plan []ReversalStep
	rest := amount
	for _, u := range usages {
		if rest <= 0 {
			break
		}
		reversible := u.Record.RemainingReversible()
		if reversible <= 0 {
			continue
		}
		take := min(reversible, rest)
		plan = append(plan, ReversalStep{
			Record:    u.Record,
			Batch:     u.Batch,
			Amount:    take,
			Resurrect: u.Batch.IsExpired(now),
		})
		rest -= take
	}
	return plan
}
