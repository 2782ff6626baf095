package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/patient-media/internal/api/middleware"
	"github.com/bigkaa/goartstore/patient-media/internal/api/openapi"
	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/repository/memstore"
	"github.com/bigkaa/goartstore/patient-media/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// envelopeResponse — разобранный ответ диспетчера.
type envelopeResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

type testServer struct {
	router http.Handler
	blobs  *blobstore.Memory
	repo   *memstore.Store
}

// newTestServer собирает маршруты поверх in-memory хранилищ.
// devBypass пустой — доступ запрещён.
func newTestServer(t *testing.T, devBypass string, ops MediaOperations) *testServer {
	t.Helper()

	ts := &testServer{repo: memstore.New(), blobs: blobstore.NewMemory()}
	if ops == nil {
		ops = service.NewMediaService(ts.repo, ts.blobs, nil, service.Options{Limits: model.DefaultLimits()}, testLogger())
	}

	validator, err := openapi.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	auth := middleware.NewAdminAuthWithKeyfunc(nil, "", nil, devBypass, testLogger())

	api := NewAPIHandler(
		NewHealthHandler(ts.repo, ts.blobs),
		NewMediaHandler(ops, validator, testLogger()),
		testLogger(),
	)
	router := chi.NewRouter()
	api.Register(router, auth.Middleware())
	ts.router = router
	return ts
}

func (ts *testServer) call(t *testing.T, body any) (int, envelopeResponse) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/media", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var resp envelopeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	return rec.Code, resp
}

func expectError(t *testing.T, status int, resp envelopeResponse, wantStatus int, wantCode string) {
	t.Helper()
	if resp.Success || resp.Error == nil {
		t.Fatalf("ожидалась ошибка %s, получен успех: %s", wantCode, resp.Data)
	}
	if resp.Error.Code != wantCode || status != wantStatus {
		t.Fatalf("ошибка = %s (HTTP %d), ожидалась %s (HTTP %d): %s",
			resp.Error.Code, status, wantCode, wantStatus, resp.Error.Message)
	}
}

func TestDispatch_PermissionDeniedBeforeBusinessLogic(t *testing.T) {
	ts := newTestServer(t, "", &panickingOps{})

	actions := []string{
		ActionSummary, ActionPrepareUpload, ActionCompleteUpload, ActionList, ActionDelete,
		ActionDownload, ActionPreview, ActionPreviewTxt, ActionCheckAccess, ActionCleanupIntakeFiles,
		"noSuchAction",
	}
	for _, action := range actions {
		t.Run(action, func(t *testing.T) {
			// Тело даже не проходит валидацию: доступ проверяется раньше
			status, resp := ts.call(t, map[string]any{"action": action, "sizeBytes": "bad"})
			expectError(t, status, resp, http.StatusForbidden, service.CodePermissionDenied)
		})
	}
}

func TestDispatch_UploadFlow(t *testing.T) {
	ts := newTestServer(t, "dev-admin", nil)
	data := []byte("результаты анализов")

	status, resp := ts.call(t, map[string]any{
		"action":     ActionPrepareUpload,
		"patientKey": "p-1",
		"fileName":   "анализы.txt",
		"sizeBytes":  len(data),
	})
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("prepareUpload: %d %+v", status, resp.Error)
	}
	var prep struct {
		FileUUID    string              `json:"fileUuid"`
		StoragePath string              `json:"storagePath"`
		Category    string              `json:"category"`
		Quota       model.QuotaSnapshot `json:"quota"`
	}
	if err := json.Unmarshal(resp.Data, &prep); err != nil {
		t.Fatal(err)
	}
	if prep.Category != "document" || prep.Quota.RemainingCount != model.DefaultMaxCount {
		t.Errorf("prepare = %+v", prep)
	}

	if err := ts.blobs.Put(context.Background(), prep.StoragePath, data, "text/plain"); err != nil {
		t.Fatal(err)
	}

	status, resp = ts.call(t, map[string]any{
		"action":     ActionCompleteUpload,
		"patientKey": "p-1",
		"fileUuid":   prep.FileUUID,
		"fileID":     prep.StoragePath,
		"fileName":   "анализы.txt",
		"intakeId":   "intake-1",
	})
	if status != http.StatusOK || !resp.Success {
		t.Fatalf("completeUpload: %d %+v", status, resp.Error)
	}
	var complete struct {
		Media model.MediaRecord   `json:"media"`
		Quota model.QuotaSnapshot `json:"quota"`
	}
	if err := json.Unmarshal(resp.Data, &complete); err != nil {
		t.Fatal(err)
	}
	if complete.Media.UploaderID != "dev-admin" || complete.Quota.TotalCount != 1 {
		t.Errorf("complete = %+v", complete)
	}
	mediaID := complete.Media.ID

	// Повтор того же содержимого — дубликат с existingId
	status, resp = ts.call(t, map[string]any{
		"action":     ActionCompleteUpload,
		"patientKey": "p-1",
		"fileUuid":   prep.FileUUID,
		"fileID":     prep.StoragePath,
		"fileName":   "анализы.txt",
	})
	expectError(t, status, resp, http.StatusConflict, service.CodeMediaDuplicate)
	if resp.Error.Details["existingId"] != mediaID {
		t.Errorf("details = %v", resp.Error.Details)
	}

	status, resp = ts.call(t, map[string]any{"action": ActionPreviewTxt, "mediaId": mediaID})
	if !resp.Success || !strings.Contains(string(resp.Data), "результаты анализов") {
		t.Errorf("previewTxt: %d %s %+v", status, resp.Data, resp.Error)
	}

	status, resp = ts.call(t, map[string]any{"action": ActionDownload, "mediaId": mediaID})
	if !resp.Success || !strings.Contains(string(resp.Data), `"expiresAt"`) {
		t.Errorf("download: %d %s", status, resp.Data)
	}

	_, resp = ts.call(t, map[string]any{"action": ActionSummary, "patientKey": "p-1"})
	if string(resp.Data) == "" || !strings.Contains(string(resp.Data), `"totalCount":1`) {
		t.Errorf("summary: %s", resp.Data)
	}

	_, resp = ts.call(t, map[string]any{"action": ActionCleanupIntakeFiles, "intakeId": "intake-1"})
	if !resp.Success || string(resp.Data) != `{"deletedCount":1}` {
		t.Errorf("cleanupIntakeFiles: %s %+v", resp.Data, resp.Error)
	}

	status, resp = ts.call(t, map[string]any{"action": ActionDelete, "mediaId": mediaID})
	expectError(t, status, resp, http.StatusNotFound, service.CodeNotFound)
}

func TestDispatch_Errors(t *testing.T) {
	ts := newTestServer(t, "dev-admin", nil)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"неизвестное действие", map[string]any{"action": "purgeEverything"}, http.StatusBadRequest, service.CodeUnknownAction},
		{"нет action", map[string]any{"patientKey": "p-1"}, http.StatusBadRequest, service.CodeValidationError},
		{"неверный тип поля", map[string]any{"action": ActionPrepareUpload, "sizeBytes": "10"}, http.StatusBadRequest, service.CodeValidationError},
		{"неподдерживаемый тип", map[string]any{"action": ActionPrepareUpload, "patientKey": "p-1", "fileName": "malware.exe", "sizeBytes": 10}, http.StatusUnprocessableEntity, service.CodeUnsupportedFileType},
		{"слишком большой файл", map[string]any{"action": ActionPrepareUpload, "patientKey": "p-1", "fileName": "scan.pdf", "sizeBytes": 11 * 1024 * 1024}, http.StatusRequestEntityTooLarge, service.CodeFileTooLarge},
		{"нет записи", map[string]any{"action": ActionDownload, "mediaId": "missing"}, http.StatusNotFound, service.CodeNotFound},
		{"нет patientKey", map[string]any{"action": ActionList}, http.StatusBadRequest, service.CodeValidationError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := ts.call(t, tt.body)
			expectError(t, status, resp, tt.status, tt.code)
		})
	}
}

func TestDispatch_CheckAccess(t *testing.T) {
	ts := newTestServer(t, "dev-admin", nil)

	_, resp := ts.call(t, map[string]any{"action": ActionCheckAccess})
	if !resp.Success || string(resp.Data) != `{"allowed":true,"adminId":"dev-admin"}` {
		t.Errorf("checkAccess: %s", resp.Data)
	}
}

func TestDispatch_RecoversPanic(t *testing.T) {
	ts := newTestServer(t, "dev-admin", &panickingOps{})

	status, resp := ts.call(t, map[string]any{"action": ActionSummary, "patientKey": "p-1"})
	expectError(t, status, resp, http.StatusInternalServerError, service.CodeInternalError)
	if strings.Contains(resp.Error.Message, "boom") {
		t.Errorf("текст паники не должен попадать клиенту: %s", resp.Error.Message)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "", nil)

	for _, path := range []string{"/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: статус %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	NewHealthHandler(nil, ts.blobs).HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("без checker БД ожидался 503, получен %d", rec.Code)
	}
}

// panickingOps паникует в любой операции; вызов означает, что
// бизнес-логика была достигнута.
type panickingOps struct {
	MediaOperations
}

func (*panickingOps) Summary(context.Context, string) (*service.SummaryResult, error) {
	panic("boom")
}

func TestDispatch_ActionInRequestLog(t *testing.T) {
	tests := []struct {
		name      string
		devBypass string
		body      map[string]any
		want      string
	}{
		{"известное действие", "admin-1", map[string]any{"action": ActionSummary, "patientKey": "p-1"}, `"action":"summary"`},
		{"неизвестное действие", "admin-1", map[string]any{"action": "purgeEverything"}, `"action":"unknown"`},
		{"доступ запрещён", "", map[string]any{"action": ActionSummary, "patientKey": "p-1"}, `"action":"unknown"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.devBypass, nil)
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			ts.router = middleware.RequestLogger(logger)(ts.router)

			ts.call(t, tt.body)
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("в логе запроса нет %s: %s", tt.want, buf.String())
			}
		})
	}
}
