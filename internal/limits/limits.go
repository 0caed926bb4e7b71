// Package limits предоставляет горячо читаемые лимиты движка баллов.
//
// Лимиты живут в таблице настроек и читаются на каждую операцию; при
// отсутствии настройки действует статическое значение по умолчанию из
// конфигурации процесса. Значения по умолчанию записываются в хранилище
// один раз при старте.
package limits

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mmeshcher/points-system/internal/pointerr"
)

// Ключи настроек в таблице point_configs.
const (
	KeyMinAwardAmount      = "MIN_AWARD_AMOUNT"
	KeyMaxAwardAmount      = "MAX_AWARD_AMOUNT"
	KeyMaxBalancePerMember = "MAX_BALANCE_PER_MEMBER"
	KeyDefaultExpiryDays   = "DEFAULT_EXPIRY_DAYS"
	KeyMinExpiryDays       = "MIN_EXPIRY_DAYS"
	KeyMaxExpiryDays       = "MAX_EXPIRY_DAYS"
)

// Config — одна настройка движка.
type Config struct {
	Key         string
	Value       string
	Description string
}

// Store описывает контракт хранилища настроек.
type Store interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SeedConfig(ctx context.Context, cfg Config) error
	UpdateConfig(ctx context.Context, key, value string) (*Config, error)
	ListConfigs(ctx context.Context) ([]Config, error)
}

// Defaults — статические значения лимитов, используемые при отсутствии
// настройки в хранилище.
type Defaults struct {
	MinAwardAmount      int64
	MaxAwardAmount      int64
	MaxBalancePerMember int64
	DefaultExpiryDays   int
	MinExpiryDays       int
	MaxExpiryDays       int
}

// Service читает лимиты из хранилища с откатом на значения по умолчанию.
type Service struct {
	store    Store
	defaults Defaults
}

// NewService создаёт сервис лимитов поверх указанного хранилища.
func NewService(store Store, defaults Defaults) *Service {
	return &Service{store: store, defaults: defaults}
}

// Seed записывает значения по умолчанию для отсутствующих настроек.
func (s *Service) Seed(ctx context.Context) error {
	seeds := []Config{
		{KeyMinAwardAmount, strconv.FormatInt(s.defaults.MinAwardAmount, 10), "минимальное начисление за операцию"},
		{KeyMaxAwardAmount, strconv.FormatInt(s.defaults.MaxAwardAmount, 10), "максимальное начисление за операцию"},
		{KeyMaxBalancePerMember, strconv.FormatInt(s.defaults.MaxBalancePerMember, 10), "максимальный баланс участника"},
		{KeyDefaultExpiryDays, strconv.Itoa(s.defaults.DefaultExpiryDays), "базовый срок действия, дней"},
		{KeyMinExpiryDays, strconv.Itoa(s.defaults.MinExpiryDays), "минимальный срок действия, дней"},
		{KeyMaxExpiryDays, strconv.Itoa(s.defaults.MaxExpiryDays), "максимальный срок действия, дней (исключительно)"},
	}

	for _, c := range seeds {
		if err := s.store.SeedConfig(ctx, c); err != nil {
			return fmt.Errorf("seed config %s: %w", c.Key, err)
		}
	}
	return nil
}

// MinAwardAmount возвращает минимальную сумму начисления за операцию.
func (s *Service) MinAwardAmount(ctx context.Context) (int64, error) {
	return s.int64Value(ctx, KeyMinAwardAmount, s.defaults.MinAwardAmount)
}

// MaxAwardAmount возвращает максимальную сумму начисления за операцию.
func (s *Service) MaxAwardAmount(ctx context.Context) (int64, error) {
	return s.int64Value(ctx, KeyMaxAwardAmount, s.defaults.MaxAwardAmount)
}

// MaxBalancePerMember возвращает максимальный баланс участника.
func (s *Service) MaxBalancePerMember(ctx context.Context) (int64, error) {
	return s.int64Value(ctx, KeyMaxBalancePerMember, s.defaults.MaxBalancePerMember)
}

// DefaultExpiryDays возвращает базовый срок действия партии в днях.
func (s *Service) DefaultExpiryDays(ctx context.Context) (int, error) {
	return s.intValue(ctx, KeyDefaultExpiryDays, s.defaults.DefaultExpiryDays)
}

// MinExpiryDays возвращает минимальный допустимый срок действия в днях.
func (s *Service) MinExpiryDays(ctx context.Context) (int, error) {
	return s.intValue(ctx, KeyMinExpiryDays, s.defaults.MinExpiryDays)
}

// MaxExpiryDays возвращает верхнюю (исключающую) границу срока действия в днях.
func (s *Service) MaxExpiryDays(ctx context.Context) (int, error) {
	return s.intValue(ctx, KeyMaxExpiryDays, s.defaults.MaxExpiryDays)
}

func (s *Service) int64Value(ctx context.Context, key string, def int64) (int64, error) {
	raw, ok, err := s.store.GetConfig(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("get config %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s is not a number: %w", key, err)
	}
	return v, nil
}

func (s *Service) intValue(ctx context.Context, key string, def int) (int, error) {
	v, err := s.int64Value(ctx, key, int64(def))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// UpdateConfig обновляет значение известной настройки. Значение должно быть
// положительным целым числом.
func (s *Service) UpdateConfig(ctx context.Context, key, value string) (*Config, error) {
	if !isKnownKey(key) {
		return nil, pointerr.NotFound(pointerr.CodeConfigNotFound, "config %s not found", key)
	}

	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil || v <= 0 {
		return nil, pointerr.Validation(pointerr.CodeInvalidConfigValue,
			"config %s requires a positive integer, got %q", key, value)
	}

	cfg, err := s.store.UpdateConfig(ctx, key, value)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ListConfigs возвращает все настройки движка.
func (s *Service) ListConfigs(ctx context.Context) ([]Config, error) {
	return s.store.ListConfigs(ctx)
}

func isKnownKey(key string) bool {
	switch key {
	case KeyMinAwardAmount, KeyMaxAwardAmount, KeyMaxBalancePerMember,
		KeyDefaultExpiryDays, KeyMinExpiryDays, KeyMaxExpiryDays:
		return true
	}
	return false
}
