// errors.go — типизированные ошибки сервисного слоя.
// Каждая ошибка несёт вид (Kind) из закрытого перечисления, стабильный
// машиночитаемый код и структурированные детали. Граница, формирующая
// ответ клиенту, сопоставляет Kind исчерпывающим switch.
package service

import (
	"errors"
	"fmt"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// Kind — вид ошибки.
type Kind int

const (
	// KindValidation — некорректный ввод (не повторять)
	KindValidation Kind = iota + 1
	// KindPermission — нет прав на вызов
	KindPermission
	// KindPolicy — нарушение политики хранилища (тип, квота, дубликат)
	KindPolicy
	// KindNotFound — запись или blob отсутствует
	KindNotFound
	// KindTransient — сбой инфраструктуры, повтор безопасен
	KindTransient
	// KindInternal — непредвиденная ошибка
	KindInternal
)

// String возвращает имя вида ошибки.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermission:
		return "permission"
	case KindPolicy:
		return "policy"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Коды ошибок, возвращаемые клиенту.
const (
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUnknownAction       = "UNKNOWN_ACTION"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeEmptyFile           = "EMPTY_FILE"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeMediaDuplicate      = "MEDIA_DUPLICATE"
	CodeUnsupportedPreview  = "UNSUPPORTED_PREVIEW"
	CodeTxtTooLarge         = "TXT_TOO_LARGE"
	CodeNotFound            = "NOT_FOUND"
	CodeFileNotFound        = "FILE_NOT_FOUND"
	CodePreviewUnavailable  = "PREVIEW_UNAVAILABLE"
	CodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
	CodeDatabaseUnavailable = "DATABASE_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Error — ошибка сервисного слоя.
type Error struct {
	Kind    Kind
	Code    string
	Message string

	// Quota — снимок квоты (только для QUOTA_EXCEEDED)
	Quota *model.QuotaSnapshot
	// ExistingID — id существующей записи (только для MEDIA_DUPLICATE)
	ExistingID string

	// Err — исходная причина (не передаётся клиенту)
	Err error
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

// Unwrap возвращает исходную причину.
func (e *Error) Unwrap() error {
	return e.Err
}

// Details возвращает структурированные детали для клиента или nil.
func (e *Error) Details() map[string]any {
	switch {
	case e.Quota != nil:
		return map[string]any{"quota": e.Quota}
	case e.ExistingID != "":
		return map[string]any{"existingId": e.ExistingID}
	default:
		return nil
	}
}

// AsError извлекает *Error из цепочки. Любая другая ошибка
// превращается в INTERNAL_ERROR с общим сообщением.
func AsError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: "внутренняя ошибка", Err: err}
}

// --- Конструкторы ---

// ValidationError — ошибка валидации входных данных.
func ValidationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidationError, Message: fmt.Sprintf(format, args...)}
}

// UnknownActionError — неизвестное действие диспетчера.
func UnknownActionError(action string) *Error {
	return &Error{Kind: KindValidation, Code: CodeUnknownAction, Message: fmt.Sprintf("неизвестное действие %q", action)}
}

// PermissionDeniedError — вызывающий не авторизован.
func PermissionDeniedError() *Error {
	return &Error{Kind: KindPermission, Code: CodePermissionDenied, Message: "недостаточно прав"}
}

func policyError(code, message string) *Error {
	return &Error{Kind: KindPolicy, Code: code, Message: message}
}

func notFoundError(code, message string, cause error) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message, Err: cause}
}

func transientError(code, message string, cause error) *Error {
	return &Error{Kind: KindTransient, Code: code, Message: message, Err: cause}
}

func quotaExceededError(snapshot model.QuotaSnapshot) *Error {
	return &Error{
		Kind:    KindPolicy,
		Code:    CodeQuotaExceeded,
		Message: "превышена квота хранилища пациента",
		Quota:   &snapshot,
	}
}

func duplicateError(existingID string) *Error {
	return &Error{
		Kind:       KindPolicy,
		Code:       CodeMediaDuplicate,
		Message:    "такой файл уже загружен для пациента",
		ExistingID: existingID,
	}
}

func internalError(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: message, Err: cause}
}
