// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/points-system/internal/limits"
	"github.com/mmeshcher/points-system/internal/model"
	"github.com/mmeshcher/points-system/internal/pointerr"
	"github.com/mmeshcher/points-system/internal/service"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД
// через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ошибки бизнес-правил не ретраим: они детерминированы.
		var appErr *pointerr.Error
		if errors.As(err, &appErr) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlock: разные
		// операции одного участника берут блокировки строк партий.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn как одну атомарную единицу работы. При serialization
// failure, deadlock или сетевой ошибке транзакция откатывается и fn
// выполняется заново: все чтения происходят внутри fn, поэтому повтор
// безопасен.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx service.LedgerTx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&ledgerTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

const batchColumns = `id, member_id, original_amount, remaining_amount, manual, status, expires_at, created_at, award_tx_id`

func scanBatch(row pgx.Row) (*model.Batch, error) {
	var b model.Batch
	var status string
	err := row.Scan(&b.ID, &b.MemberID, &b.OriginalAmount, &b.RemainingAmount, &b.Manual,
		&status, &b.ExpiresAt, &b.CreatedAt, &b.AwardTxID)
	if err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(status)
	return &b, nil
}

// SumRemaining возвращает баланс участника: сумму остатков активных
// непросроченных партий. Чтение без блокировок.
func (r *PostgresRepository) SumRemaining(ctx context.Context, memberID int64, now time.Time) (int64, error) {
	return sumRemaining(ctx, r.pool, memberID, now)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func sumRemaining(ctx context.Context, q querier, memberID int64, now time.Time) (int64, error) {
	var sum int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(SUM(remaining_amount), 0)
		 FROM point_batches
		 WHERE member_id = $1 AND status = $2 AND expires_at > $3`,
		memberID, string(model.BatchStatusActive), now,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum remaining: %w", err)
	}
	return sum, nil
}

// UsableBatches возвращает пригодные для списания партии участника в порядке
// политики списания. Чтение без блокировок.
func (r *PostgresRepository) UsableBatches(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error) {
	return usableBatches(ctx, r.pool, memberID, now, false)
}

func usableBatches(ctx context.Context, q querier, memberID int64, now time.Time, forUpdate bool) ([]*model.Batch, error) {
	query := `SELECT ` + batchColumns + `
		 FROM point_batches
		 WHERE member_id = $1 AND status = $2 AND expires_at > $3 AND remaining_amount > 0
		 ORDER BY manual DESC, expires_at ASC`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.Query(ctx, query, memberID, string(model.BatchStatusActive), now)
	if err != nil {
		return nil, fmt.Errorf("select usable batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return batches, nil
}

// TransactionsByMember возвращает все операции участника, новые первыми.
func (r *PostgresRepository) TransactionsByMember(ctx context.Context, memberID int64) ([]*model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, key, member_id, type, amount, order_ref, related_tx_id, reversed_amount, created_at
		 FROM point_transactions
		 WHERE member_id = $1
		 ORDER BY created_at DESC, id DESC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var txs []*model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return txs, nil
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	var txType string
	var orderRef *string
	err := row.Scan(&t.ID, &t.Key, &t.MemberID, &txType, &t.Amount, &orderRef,
		&t.RelatedTxID, &t.ReversedAmount, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txType)
	if orderRef != nil {
		t.OrderRef = *orderRef
	}
	return &t, nil
}

// ledgerTx реализует service.LedgerTx поверх одной транзакции pgx.
type ledgerTx struct {
	tx pgx.Tx
}

// UsableBatchesForUpdate блокирует и возвращает пригодные партии участника.
// ORDER BY совпадает с порядком политики списания, поэтому блокировки строк
// берутся в том же порядке, в котором партии будут изменены.
func (l *ledgerTx) UsableBatchesForUpdate(ctx context.Context, memberID int64, now time.Time) ([]*model.Batch, error) {
	return usableBatches(ctx, l.tx, memberID, now, true)
}

// BatchByAwardTxForUpdate блокирует и возвращает партию, созданную указанной
// транзакцией начисления.
func (l *ledgerTx) BatchByAwardTxForUpdate(ctx context.Context, awardTxID int64) (*model.Batch, error) {
	row := l.tx.QueryRow(ctx,
		`SELECT `+batchColumns+`
		 FROM point_batches
		 WHERE award_tx_id = $1
		 FOR UPDATE`,
		awardTxID,
	)

	b, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pointerr.NotFound(pointerr.CodeBatchNotFound, "batch for award transaction %d not found", awardTxID)
		}
		return nil, fmt.Errorf("select batch by award tx: %w", err)
	}
	return b, nil
}

// TransactionByKey возвращает запись журнала по публичному ключу.
func (l *ledgerTx) TransactionByKey(ctx context.Context, key string) (*model.Transaction, error) {
	row := l.tx.QueryRow(ctx,
		`SELECT id, key, member_id, type, amount, order_ref, related_tx_id, reversed_amount, created_at
		 FROM point_transactions
		 WHERE key = $1`,
		key,
	)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pointerr.NotFound(pointerr.CodeTransactionNotFound, "transaction %s not found", key)
		}
		return nil, fmt.Errorf("select transaction by key: %w", err)
	}
	return t, nil
}

// UsagesForUpdate блокирует записи использования транзакции вместе с их
// партиями и возвращает их по возрастанию срока действия партии. Одно
// согласованное чтение исключает расхождение между записью и её партией.
func (l *ledgerTx) UsagesForUpdate(ctx context.Context, txID int64) ([]service.Usage, error) {
	rows, err := l.tx.Query(ctx,
		`SELECT u.id, u.tx_id, u.batch_id, u.amount, u.reversed_amount,
		        b.id, b.member_id, b.original_amount, b.remaining_amount, b.manual, b.status, b.expires_at, b.created_at, b.award_tx_id
		 FROM point_usage_records u
		 JOIN point_batches b ON b.id = u.batch_id
		 WHERE u.tx_id = $1
		 ORDER BY b.expires_at ASC
		 FOR UPDATE OF u, b`,
		txID,
	)
	if err != nil {
		return nil, fmt.Errorf("select usage records: %w", err)
	}
	defer rows.Close()

	var usages []service.Usage
	for rows.Next() {
		var u model.UsageRecord
		var b model.Batch
		var status string
		err := rows.Scan(&u.ID, &u.TxID, &u.BatchID, &u.Amount, &u.ReversedAmount,
			&b.ID, &b.MemberID, &b.OriginalAmount, &b.RemainingAmount, &b.Manual,
			&status, &b.ExpiresAt, &b.CreatedAt, &b.AwardTxID)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		b.Status = model.BatchStatus(status)
		usages = append(usages, service.Usage{Record: &u, Batch: &b})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return usages, nil
}

// SumRemaining возвращает баланс участника внутри текущей транзакции.
func (l *ledgerTx) SumRemaining(ctx context.Context, memberID int64, now time.Time) (int64, error) {
	return sumRemaining(ctx, l.tx, memberID, now)
}

// InsertTransaction сохраняет запись журнала и заполняет её идентификатор.
// Ключ короткий, коллизии возможны: ON CONFLICT DO NOTHING не прерывает
// транзакцию, при коллизии ключ генерируется заново.
func (l *ledgerTx) InsertTransaction(ctx context.Context, t *model.Transaction) error {
	var orderRef *string
	if t.OrderRef != "" {
		orderRef = &t.OrderRef
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := l.tx.QueryRow(ctx,
			`INSERT INTO point_transactions (key, member_id, type, amount, order_ref, related_tx_id, reversed_amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (key) DO NOTHING
			 RETURNING id`,
			t.Key, t.MemberID, string(t.Type), t.Amount, orderRef, t.RelatedTxID, t.ReversedAmount, t.CreatedAt,
		).Scan(&t.ID)
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			t.Key = model.NewTransactionKey()
			continue
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return fmt.Errorf("insert transaction: key collisions exhausted")
}

// UpdateTransactionReversed сохраняет счётчик отменённой суммы транзакции.
func (l *ledgerTx) UpdateTransactionReversed(ctx context.Context, t *model.Transaction) error {
	_, err := l.tx.Exec(ctx,
		`UPDATE point_transactions SET reversed_amount = $2 WHERE id = $1`,
		t.ID, t.ReversedAmount,
	)
	if err != nil {
		return fmt.Errorf("update transaction reversed: %w", err)
	}
	return nil
}

// InsertBatch сохраняет партию и заполняет её идентификатор.
func (l *ledgerTx) InsertBatch(ctx context.Context, b *model.Batch) error {
	err := l.tx.QueryRow(ctx,
		`INSERT INTO point_batches (member_id, original_amount, remaining_amount, manual, status, expires_at, created_at, award_tx_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		b.MemberID, b.OriginalAmount, b.RemainingAmount, b.Manual, string(b.Status), b.ExpiresAt, b.CreatedAt, b.AwardTxID,
	).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// UpdateBatch сохраняет изменяемые поля партии: остаток и статус.
func (l *ledgerTx) UpdateBatch(ctx context.Context, b *model.Batch) error {
	_, err := l.tx.Exec(ctx,
		`UPDATE point_batches SET remaining_amount = $2, status = $3 WHERE id = $1`,
		b.ID, b.RemainingAmount, string(b.Status),
	)
	if err != nil {
		return fmt.Errorf("update batch: %w", err)
	}
	return nil
}

// InsertUsageRecords сохраняет записи использования и заполняет их
// идентификаторы.
func (l *ledgerTx) InsertUsageRecords(ctx context.Context, recs []*model.UsageRecord) error {
	for _, rec := range recs {
		err := l.tx.QueryRow(ctx,
			`INSERT INTO point_usage_records (tx_id, batch_id, amount, reversed_amount)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id`,
			rec.TxID, rec.BatchID, rec.Amount, rec.ReversedAmount,
		).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
	}
	return nil
}

// UpdateUsageRecordReversed сохраняет счётчик отменённой суммы записи.
func (l *ledgerTx) UpdateUsageRecordReversed(ctx context.Context, rec *model.UsageRecord) error {
	_, err := l.tx.Exec(ctx,
		`UPDATE point_usage_records SET reversed_amount = $2 WHERE id = $1`,
		rec.ID, rec.ReversedAmount,
	)
	if err != nil {
		return fmt.Errorf("update usage record reversed: %w", err)
	}
	return nil
}

// ExpireBatches помечает просроченные активные партии статусом EXPIRED и
// возвращает число обновлённых строк. Используется фоновой очисткой; движок
// на этот статус не полагается и всегда проверяет срок по времени.
func (r *PostgresRepository) ExpireBatches(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE point_batches
		 SET status = $1
		 WHERE status = $2 AND expires_at <= $3`,
		string(model.BatchStatusExpired), string(model.BatchStatusActive), now,
	)
	if err != nil {
		return 0, fmt.Errorf("expire batches: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetConfig возвращает значение настройки и признак её наличия.
func (r *PostgresRepository) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM point_configs WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config: %w", err)
	}
	return value, true, nil
}

// SeedConfig записывает настройку, если её ещё нет.
func (r *PostgresRepository) SeedConfig(ctx context.Context, cfg limits.Config) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO point_configs (key, value, description)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		cfg.Key, cfg.Value, cfg.Description,
	)
	if err != nil {
		return fmt.Errorf("seed config: %w", err)
	}
	return nil
}

// UpdateConfig обновляет значение настройки.
func (r *PostgresRepository) UpdateConfig(ctx context.Context, key, value string) (*limits.Config, error) {
	var cfg limits.Config
	var description *string
	err := r.pool.QueryRow(ctx,
		`UPDATE point_configs SET value = $2 WHERE key = $1
		 RETURNING key, value, description`,
		key, value,
	).Scan(&cfg.Key, &cfg.Value, &description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pointerr.NotFound(pointerr.CodeConfigNotFound, "config %s not found", key)
		}
		return nil, fmt.Errorf("update config: %w", err)
	}
	if description != nil {
		cfg.Description = *description
	}
	return &cfg, nil
}

// ListConfigs возвращает все настройки движка.
func (r *PostgresRepository) ListConfigs(ctx context.Context) ([]limits.Config, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT key, value, description FROM point_configs ORDER BY key`,
	)
	if err != nil {
		return nil, fmt.Errorf("select configs: %w", err)
	}
	defer rows.Close()

	var configs []limits.Config
	for rows.Next() {
		var cfg limits.Config
		var description *string
		if err := rows.Scan(&cfg.Key, &cfg.Value, &description); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		if description != nil {
			cfg.Description = *description
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return configs, nil
}
