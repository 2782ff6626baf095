// Пакет envelope — единый формат ответов Patient Media.
// Успех: {"success": true, "data": ...}.
// Ошибка: {"success": false, "error": {"code": "...", "message": "...", "details": {...}}}.
// Все ответы диспетчера должны проходить через Success или Failure.
package envelope

import (
	"encoding/json"
	"net/http"

	"github.com/bigkaa/goartstore/patient-media/internal/service"
)

// successBody — тело успешного ответа.
type successBody struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// failureBody — тело ответа с ошибкой.
type failureBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Success записывает успешный ответ со статусом 200.
func Success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, successBody{Success: true, Data: data})
}

// Failure записывает ответ с ошибкой. Любая ошибка, не являющаяся
// *service.Error, отдаётся как INTERNAL_ERROR без текста причины.
func Failure(w http.ResponseWriter, err error) {
	se := service.AsError(err)

	message := se.Message
	if se.Kind == service.KindInternal {
		message = "внутренняя ошибка"
	}

	writeJSON(w, StatusCode(se), failureBody{
		Error: errorDetail{
			Code:    se.Code,
			Message: message,
			Details: se.Details(),
		},
	})
}

// StatusCode возвращает HTTP-статус для ошибки сервиса.
// Тело ответа одинаково для всех статусов.
func StatusCode(se *service.Error) int {
	switch se.Kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindPermission:
		return http.StatusForbidden
	case service.KindPolicy:
		return policyStatus(se.Code)
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindTransient:
		return http.StatusServiceUnavailable
	case service.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// policyStatus уточняет статус нарушения политики по коду.
func policyStatus(code string) int {
	switch code {
	case service.CodeFileTooLarge, service.CodeTxtTooLarge:
		return http.StatusRequestEntityTooLarge
	case service.CodeQuotaExceeded, service.CodeMediaDuplicate:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
