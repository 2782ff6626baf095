// Пакет repository — слой доступа к записям медиафайлов и ledger квоты.
// Store — нетранзакционные чтения и вход в транзакцию (InTx);
// UnitOfWork — узкий набор операций, доступных только внутри транзакции.
// Реализации: PostgreSQL (чистый SQL через pgx) и memstore (in-memory).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// Store — хранилище записей медиафайлов и ledger квоты.
type Store interface {
	// GetMedia возвращает запись по ID (в том числе удалённую).
	GetMedia(ctx context.Context, id string) (*model.MediaRecord, error)
	// FindActiveByHash ищет активную запись пациента с указанным хэшем.
	// Возвращает ErrNotFound, если дубликата нет.
	FindActiveByHash(ctx context.Context, patientKey, hash string) (*model.MediaRecord, error)
	// FindByFileRef ищет любую запись (в том числе удалённую), использующую
	// fileUUID или blobID как оригинал либо миниатюру.
	// Возвращает ErrNotFound, если ссылки свободны.
	FindByFileRef(ctx context.Context, fileUUID, blobID string) (*model.MediaRecord, error)
	// ListActive возвращает активные записи пациента, новые первыми.
	ListActive(ctx context.Context, patientKey string, limit int) ([]*model.MediaRecord, error)
	// GetQuota возвращает ledger пациента; отсутствие — нулевые итоги без ошибки.
	GetQuota(ctx context.Context, patientKey string) (*model.QuotaRecord, error)
	// IncrementDownloadCount увеличивает счётчик скачиваний активной записи.
	IncrementDownloadCount(ctx context.Context, id string) error
	// ListPendingPurge возвращает удалённые записи, blob'ы которых ещё не очищены.
	ListPendingPurge(ctx context.Context, limit int) ([]*model.MediaRecord, error)
	// MarkBlobsPurged отмечает, что blob'ы записи удалены из хранилища.
	MarkBlobsPurged(ctx context.Context, id string, at time.Time) error

	// InTx выполняет fn в одной транзакции. Ошибка fn откатывает
	// все изменения, успех — фиксирует их атомарно.
	InTx(ctx context.Context, fn func(uow UnitOfWork) error) error
}

// UnitOfWork — операции внутри транзакции. Нетранзакционные чтения
// через него недоступны.
type UnitOfWork interface {
	// GetQuota читает ledger пациента с блокировкой до конца транзакции.
	GetQuota(ctx context.Context, patientKey string) (*model.QuotaRecord, error)
	// PutQuota вставляет или обновляет ledger.
	PutQuota(ctx context.Context, q *model.QuotaRecord) error
	// InsertMedia вставляет запись. Пустой ID назначается хранилищем.
	// Занятые ID, fileUuid или blob дают ErrConflict.
	InsertMedia(ctx context.Context, m *model.MediaRecord) error
	// GetMedia читает запись с блокировкой.
	GetMedia(ctx context.Context, id string) (*model.MediaRecord, error)
	// UpdateMedia сохраняет изменяемые поля записи (удаление, снимок квоты).
	UpdateMedia(ctx context.Context, m *model.MediaRecord) error
	// FindActiveByHash — транзакционный поиск дубликата.
	FindActiveByHash(ctx context.Context, patientKey, hash string) (*model.MediaRecord, error)
	// ListActiveByIntake возвращает активные записи intake-заявки с блокировкой.
	ListActiveByIntake(ctx context.Context, intakeID string) ([]*model.MediaRecord, error)
	// SoftDeleteMany помечает записи удалёнными одним пакетным обновлением.
	// Возвращает количество фактически помеченных записей.
	SoftDeleteMany(ctx context.Context, ids []string, deletedAt time.Time, deletedBy string) (int64, error)
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать одни и те же запросы внутри и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
