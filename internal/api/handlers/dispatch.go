// dispatch.go — единая точка входа POST /api/v1/media.
// Запрос {"action": "...", ...} сопоставляется с операцией MediaService,
// любой исход упаковывается в envelope. Порядок: проверка доступа,
// проверка тела по OpenAPI-контракту, разбор, вызов операции.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/patient-media/internal/api/envelope"
	"github.com/bigkaa/goartstore/patient-media/internal/api/middleware"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/service"
)

// maxRequestBytes — потолок тела запроса диспетчера (метаданные, не файл).
const maxRequestBytes = 64 * 1024

// dispatchTotal — вызовы диспетчера по действию и коду результата.
var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pm_dispatch_total",
	Help: "Общее количество вызовов диспетчера (по действию и результату).",
}, []string{"action", "result"})

// Действия диспетчера.
const (
	ActionSummary            = "summary"
	ActionPrepareUpload      = "prepareUpload"
	ActionCompleteUpload     = "completeUpload"
	ActionList               = "list"
	ActionDelete             = "delete"
	ActionDownload           = "download"
	ActionPreview            = "preview"
	ActionPreviewTxt         = "previewTxt"
	ActionCheckAccess        = "checkAccess"
	ActionCleanupIntakeFiles = "cleanupIntakeFiles"
)

// MediaOperations — операции хранилища, доступные диспетчеру.
type MediaOperations interface {
	Summary(ctx context.Context, patientKey string) (*service.SummaryResult, error)
	Prepare(ctx context.Context, p service.PrepareParams) (*service.PrepareResult, error)
	Complete(ctx context.Context, p service.CompleteParams) (*service.CompleteResult, error)
	List(ctx context.Context, patientKey string) (*service.ListResult, error)
	Delete(ctx context.Context, mediaID, deletedBy string) (*service.DeleteResult, error)
	Download(ctx context.Context, mediaID string) (*service.SignedURL, error)
	Preview(ctx context.Context, mediaID string, variant model.PreviewVariant) (*service.PreviewResult, error)
	PreviewText(ctx context.Context, mediaID string) (*service.TextPreview, error)
	CleanupByIntake(ctx context.Context, intakeID, deletedBy string) (*service.CleanupResult, error)
}

// RequestValidator проверяет тело запроса до разбора.
type RequestValidator interface {
	ValidateRequest(r *http.Request) error
}

// mediaRequest — объединение параметров всех действий.
// Поля, не относящиеся к действию, игнорируются.
type mediaRequest struct {
	Action      string `json:"action"`
	PatientKey  string `json:"patientKey"`
	FileName    string `json:"fileName"`
	SizeBytes   int64  `json:"sizeBytes"`
	MimeType    string `json:"mimeType"`
	FileUUID    string `json:"fileUuid"`
	FileID      string `json:"fileID"`
	DisplayName string `json:"displayName"`
	Category    string `json:"category"`
	IntakeID    string `json:"intakeId"`
	MediaID     string `json:"mediaId"`
	Variant     string `json:"variant"`
}

// MediaHandler — обработчик диспетчера.
type MediaHandler struct {
	ops       MediaOperations
	validator RequestValidator
	logger    *slog.Logger
}

// NewMediaHandler создаёт обработчик диспетчера. validator может быть nil.
func NewMediaHandler(ops MediaOperations, validator RequestValidator, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		ops:       ops,
		validator: validator,
		logger:    logger.With(slog.String("component", "media_handler")),
	}
}

// Dispatch — POST /api/v1/media.
func (h *MediaHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	action := "unknown"
	defer func() {
		middleware.SetAction(r.Context(), action)
		if p := recover(); p != nil {
			h.logger.Error("Паника в обработчике действия",
				slog.String("action", action),
				slog.String("panic", fmt.Sprint(p)),
				slog.String("stack", string(debug.Stack())),
			)
			dispatchTotal.WithLabelValues(action, "panic").Inc()
			envelope.Failure(w, fmt.Errorf("паника: %v", p))
		}
	}()

	access := middleware.AccessFromContext(r.Context())
	if !access.Allowed {
		h.fail(w, action, service.PermissionDeniedError())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if h.validator != nil {
		if err := h.validator.ValidateRequest(r); err != nil {
			h.fail(w, action, service.ValidationError("некорректный запрос: %v", err))
			return
		}
	}

	var req mediaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, action, service.ValidationError("некорректный JSON: %v", err))
		return
	}
	if isKnownAction(req.Action) {
		action = req.Action
	}

	data, err := h.handle(r.Context(), req, access)
	if err != nil {
		h.fail(w, action, err)
		return
	}
	dispatchTotal.WithLabelValues(action, "ok").Inc()
	envelope.Success(w, data)
}

// handle вызывает операцию, соответствующую действию.
func (h *MediaHandler) handle(ctx context.Context, req mediaRequest, access middleware.Access) (any, error) {
	switch req.Action {
	case ActionSummary:
		return h.ops.Summary(ctx, req.PatientKey)

	case ActionPrepareUpload:
		return h.ops.Prepare(ctx, service.PrepareParams{
			PatientKey: req.PatientKey,
			FileName:   req.FileName,
			SizeBytes:  req.SizeBytes,
			MimeType:   req.MimeType,
			FileUUID:   req.FileUUID,
		})

	case ActionCompleteUpload:
		return h.ops.Complete(ctx, service.CompleteParams{
			PatientKey:  req.PatientKey,
			FileUUID:    req.FileUUID,
			BlobID:      req.FileID,
			FileName:    req.FileName,
			MimeType:    req.MimeType,
			DisplayName: req.DisplayName,
			Category:    req.Category,
			IntakeID:    req.IntakeID,
			UploaderID:  access.AdminID,
		})

	case ActionList:
		return h.ops.List(ctx, req.PatientKey)

	case ActionDelete:
		return h.ops.Delete(ctx, req.MediaID, access.AdminID)

	case ActionDownload:
		return h.ops.Download(ctx, req.MediaID)

	case ActionPreview:
		return h.ops.Preview(ctx, req.MediaID, model.PreviewVariant(req.Variant))

	case ActionPreviewTxt:
		return h.ops.PreviewText(ctx, req.MediaID)

	case ActionCheckAccess:
		return access, nil

	case ActionCleanupIntakeFiles:
		return h.ops.CleanupByIntake(ctx, req.IntakeID, access.AdminID)

	default:
		return nil, service.UnknownActionError(req.Action)
	}
}

// fail пишет ошибку в envelope и логирует непредвиденные сбои.
func (h *MediaHandler) fail(w http.ResponseWriter, action string, err error) {
	se := service.AsError(err)
	dispatchTotal.WithLabelValues(action, se.Code).Inc()

	switch se.Kind {
	case service.KindInternal:
		h.logger.Error("Внутренняя ошибка действия",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	case service.KindTransient:
		h.logger.Warn("Сбой инфраструктуры",
			slog.String("action", action),
			slog.String("code", se.Code),
			slog.String("error", err.Error()),
		)
	}
	envelope.Failure(w, se)
}

func isKnownAction(action string) bool {
	switch action {
	case ActionSummary, ActionPrepareUpload, ActionCompleteUpload, ActionList, ActionDelete,
		ActionDownload, ActionPreview, ActionPreviewTxt, ActionCheckAccess, ActionCleanupIntakeFiles:
		return true
	}
	return false
}
