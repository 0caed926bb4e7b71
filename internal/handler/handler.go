// Package handler содержит HTTP-обработчики API сервиса баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/points-system/internal/limits"
	"github.com/mmeshcher/points-system/internal/pointerr"
	"github.com/mmeshcher/points-system/internal/service"
)

// Service определяет контракт движка баллов, используемый HTTP-обработчиками.
type Service interface {
	Award(ctx context.Context, memberID, amount int64, manual bool, expiryDaysOverride *int) (*service.AwardResult, error)
	ReverseAward(ctx context.Context, key string) (*service.AwardReversalResult, error)
	Redeem(ctx context.Context, memberID, amount int64, orderRef string) (*service.RedeemResult, error)
	ReverseRedemption(ctx context.Context, key string, amount int64) (*service.RedemptionReversalResult, error)
	GetBalanceDetail(ctx context.Context, memberID int64) (*service.BalanceDetail, error)
	GetHistory(ctx context.Context, memberID int64) ([]service.HistoryItem, error)
}

// Configs определяет контракт управления настройками движка.
type Configs interface {
	ListConfigs(ctx context.Context) ([]limits.Config, error)
	UpdateConfig(ctx context.Context, key, value string) (*limits.Config, error)
}

// Handler реализует HTTP-обработчики API сервиса баллов.
type Handler struct {
	service Service
	configs Configs
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, c Configs, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		configs: c,
		logger:  logger,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

// writeError отдаёт типизированную ошибку с её статусом и кодом; всё прочее
// скрывается за внутренней ошибкой и логируется для операторов.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var appErr *pointerr.Error
	if errors.As(err, &appErr) {
		h.logger.Warn("request rejected",
			zap.String("code", string(appErr.Code)),
			zap.String("message", appErr.Message),
		)
		h.writeJSON(w, appErr.Status, errorResponse{Code: string(appErr.Code), Message: appErr.Message})
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	h.writeJSON(w, http.StatusInternalServerError, errorResponse{
		Code:    string(pointerr.CodeInternal),
		Message: "internal server error",
	})
}

type awardRequest struct {
	MemberID   int64 `json:"member_id"`
	Amount     int64 `json:"amount"`
	Manual     bool  `json:"manual"`
	ExpiryDays *int  `json:"expiry_days,omitempty"`
}

type awardResponse struct {
	BatchKey  string `json:"batch_key"`
	MemberID  int64  `json:"member_id"`
	Amount    int64  `json:"amount"`
	Manual    bool   `json:"manual"`
	ExpiresAt string `json:"expires_at"`
	Balance   int64  `json:"balance"`
}

// Award обрабатывает начисление баллов участнику.
func (h *Handler) Award(w http.ResponseWriter, r *http.Request) {
	var req awardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MemberID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Award(r.Context(), req.MemberID, req.Amount, req.Manual, req.ExpiryDays)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, awardResponse{
		BatchKey:  res.BatchKey,
		MemberID:  res.MemberID,
		Amount:    res.Amount,
		Manual:    res.Manual,
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
		Balance:   res.Balance,
	})
}

type reverseAwardRequest struct {
	Key string `json:"key"`
}

type reverseAwardResponse struct {
	ReversalKey string `json:"reversal_key"`
	OriginalKey string `json:"original_key"`
	MemberID    int64  `json:"member_id"`
	Amount      int64  `json:"amount"`
	Balance     int64  `json:"balance"`
}

// ReverseAward обрабатывает отмену начисления по ключу транзакции.
func (h *Handler) ReverseAward(w http.ResponseWriter, r *http.Request) {
	var req reverseAwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Key == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReverseAward(r.Context(), req.Key)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, reverseAwardResponse{
		ReversalKey: res.ReversalKey,
		OriginalKey: res.OriginalKey,
		MemberID:    res.MemberID,
		Amount:      res.Amount,
		Balance:     res.Balance,
	})
}

type redeemRequest struct {
	MemberID int64  `json:"member_id"`
	Amount   int64  `json:"amount"`
	OrderRef string `json:"order_ref"`
}

type batchDraw struct {
	BatchID int64 `json:"batch_id"`
	Amount  int64 `json:"amount"`
}

type redeemResponse struct {
	TxKey    string      `json:"tx_key"`
	MemberID int64       `json:"member_id"`
	Amount   int64       `json:"amount"`
	OrderRef string      `json:"order_ref"`
	Balance  int64       `json:"balance"`
	Batches  []batchDraw `json:"batches"`
}

// Redeem обрабатывает списание баллов в счёт заказа.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.MemberID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.Redeem(r.Context(), req.MemberID, req.Amount, req.OrderRef)
	if err != nil {
		h.writeError(w, err)
		return
	}

	draws := make([]batchDraw, 0, len(res.Draws))
	for _, d := range res.Draws {
		draws = append(draws, batchDraw{BatchID: d.BatchID, Amount: d.Amount})
	}

	h.writeJSON(w, http.StatusOK, redeemResponse{
		TxKey:    res.TxKey,
		MemberID: res.MemberID,
		Amount:   res.Amount,
		OrderRef: res.OrderRef,
		Balance:  res.Balance,
		Batches:  draws,
	})
}

type reverseRedemptionRequest struct {
	TxKey  string `json:"tx_key"`
	Amount int64  `json:"amount"`
}

type reversalDetail struct {
	BatchID     int64 `json:"batch_id"`
	Amount      int64 `json:"amount"`
	Resurrected bool  `json:"resurrected"`
}

type mintedBatch struct {
	BatchKey string `json:"batch_key"`
	Amount   int64  `json:"amount"`
	Reason   string `json:"reason"`
}

type reverseRedemptionResponse struct {
	ReversalKey         string           `json:"reversal_key"`
	OriginalKey         string           `json:"original_key"`
	MemberID            int64            `json:"member_id"`
	Amount              int64            `json:"amount"`
	RemainingReversible int64            `json:"remaining_reversible"`
	Balance             int64            `json:"balance"`
	Batches             []reversalDetail `json:"batches"`
	NewBatches          []mintedBatch    `json:"new_batches"`
}

// ReverseRedemption обрабатывает частичную или полную отмену списания.
func (h *Handler) ReverseRedemption(w http.ResponseWriter, r *http.Request) {
	var req reverseRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.TxKey == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReverseRedemption(r.Context(), req.TxKey, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	details := make([]reversalDetail, 0, len(res.Details))
	for _, d := range res.Details {
		details = append(details, reversalDetail{BatchID: d.BatchID, Amount: d.Amount, Resurrected: d.Resurrected})
	}

	minted := make([]mintedBatch, 0, len(res.NewBatches))
	for _, m := range res.NewBatches {
		minted = append(minted, mintedBatch{BatchKey: m.BatchKey, Amount: m.Amount, Reason: m.Reason})
	}

	h.writeJSON(w, http.StatusOK, reverseRedemptionResponse{
		ReversalKey:         res.ReversalKey,
		OriginalKey:         res.OriginalKey,
		MemberID:            res.MemberID,
		Amount:              res.Amount,
		RemainingReversible: res.RemainingReversible,
		Balance:             res.Balance,
		Batches:             details,
		NewBatches:          minted,
	})
}

type batchDetail struct {
	BatchID         int64  `json:"batch_id"`
	OriginalAmount  int64  `json:"original_amount"`
	RemainingAmount int64  `json:"remaining_amount"`
	Manual          bool   `json:"manual"`
	ExpiresAt       string `json:"expires_at"`
}

type balanceResponse struct {
	MemberID int64         `json:"member_id"`
	Balance  int64         `json:"balance"`
	Batches  []batchDetail `json:"batches"`
}

// GetBalance возвращает баланс участника с детализацией по партиям.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	detail, err := h.service.GetBalanceDetail(r.Context(), memberID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	batches := make([]batchDetail, 0, len(detail.Batches))
	for _, b := range detail.Batches {
		batches = append(batches, batchDetail{
			BatchID:         b.BatchID,
			OriginalAmount:  b.OriginalAmount,
			RemainingAmount: b.RemainingAmount,
			Manual:          b.Manual,
			ExpiresAt:       b.ExpiresAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{
		MemberID: detail.MemberID,
		Balance:  detail.Balance,
		Batches:  batches,
	})
}

type transactionResponse struct {
	TxKey          string `json:"tx_key"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	OrderRef       string `json:"order_ref,omitempty"`
	ReversedAmount int64  `json:"reversed_amount"`
	CreatedAt      string `json:"created_at"`
}

// GetTransactions возвращает историю операций участника, новые первыми.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	memberID, err := memberIDParam(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	history, err := h.service.GetHistory(r.Context(), memberID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]transactionResponse, 0, len(history))
	for _, item := range history {
		resp = append(resp, transactionResponse{
			TxKey:          item.TxKey,
			Type:           string(item.Type),
			Amount:         item.Amount,
			OrderRef:       item.OrderRef,
			ReversedAmount: item.ReversedAmount,
			CreatedAt:      item.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type configResponse struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// ListConfigs возвращает все настройки движка.
func (h *Handler) ListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.configs.ListConfigs(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := make([]configResponse, 0, len(configs))
	for _, c := range configs {
		resp = append(resp, configResponse{Key: c.Key, Value: c.Value, Description: c.Description})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type configUpdateRequest struct {
	Value string `json:"value"`
}

// UpdateConfig обновляет значение настройки движка.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	cfg, err := h.configs.UpdateConfig(r.Context(), key, req.Value)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, configResponse{Key: cfg.Key, Value: cfg.Value, Description: cfg.Description})
}

func memberIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "memberID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid member id")
	}
	return id, nil
}
