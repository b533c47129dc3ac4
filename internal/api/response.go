package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wTHU1Ew/papaya/pkg/models"
)

// Response 统一响应格式 / Standard API response envelope
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func success(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Status: "success", Data: data})
}

func failure(w http.ResponseWriter, status int, message string, err error) {
	body := Response{Status: "error", Message: message}
	if err != nil {
		body.Error = err.Error()
	}
	writeJSON(w, status, body)
}

// statusFor 错误到HTTP状态码的映射 / Map an engine error to its HTTP status and user-facing message
func statusFor(err error) (int, string) {
	var hc *models.HealthCheckError
	switch {
	case errors.As(err, &hc), errors.Is(err, models.ErrHealthCheckRejected):
		return http.StatusUnprocessableEntity, "operation rejected, no funds moved"
	case errors.Is(err, models.ErrInvalidAmount), errors.Is(err, models.ErrUnsupportedAsset):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, models.ErrUserNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrInsufficientBalance),
		errors.Is(err, models.ErrNoOutstandingDebt),
		errors.Is(err, models.ErrSettlementInProgress),
		errors.Is(err, models.ErrLedgerConflict):
		return http.StatusConflict, "operation rejected, no funds moved"
	case errors.Is(err, models.ErrSettlementTimeout):
		return http.StatusAccepted, "settlement pending manual review"
	case errors.Is(err, models.ErrSettlementFailed):
		return http.StatusBadGateway, "settlement failed, no funds moved"
	}
	return http.StatusInternalServerError, "internal error"
}

func fail(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	failure(w, status, msg, err)
}
