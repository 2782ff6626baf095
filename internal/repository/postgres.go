package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

// mediaColumns — порядок колонок соответствует scanMedia.
const mediaColumns = `id::text, patient_key, category, file_uuid::text, filename, display_name,
	mime_type, extension, size_bytes, hash, storage_path, storage_file_id,
	thumb_path, thumb_file_id, intake_id, uploader_id, created_at, download_count,
	deleted_at, deleted_by, blobs_purged_at, quota_total_count, quota_total_bytes`

// PostgresStore — реализация Store поверх pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ UnitOfWork = (*pgUnitOfWork)(nil)
)

// NewPostgresStore создаёт хранилище записей на PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается, при успехе — коммитится.
func (s *PostgresStore) InTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(&pgUnitOfWork{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, id string) (*model.MediaRecord, error) {
	return getMedia(ctx, s.pool, id, false)
}

func (s *PostgresStore) FindActiveByHash(ctx context.Context, patientKey, hash string) (*model.MediaRecord, error) {
	return findActiveByHash(ctx, s.pool, patientKey, hash)
}

func (s *PostgresStore) FindByFileRef(ctx context.Context, fileUUID, blobID string) (*model.MediaRecord, error) {
	if !validID(fileUUID) {
		fileUUID = uuid.Nil.String()
	}
	query := `SELECT ` + mediaColumns + `
		FROM patient_media
		WHERE file_uuid = $1 OR storage_file_id = $2 OR (thumb_file_id <> '' AND thumb_file_id = $2)
		ORDER BY created_at
		LIMIT 1`

	m, err := scanMedia(s.pool.QueryRow(ctx, query, fileUUID, blobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи по файлу: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, patientKey string, limit int) ([]*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + `
		FROM patient_media
		WHERE patient_key = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC, id
		LIMIT $2`
	return queryMedia(ctx, s.pool, query, patientKey, limit)
}

func (s *PostgresStore) GetQuota(ctx context.Context, patientKey string) (*model.QuotaRecord, error) {
	return getQuota(ctx, s.pool, patientKey, false)
}

func (s *PostgresStore) IncrementDownloadCount(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE patient_media
		SET download_count = download_count + 1
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("ошибка увеличения счётчика скачиваний: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingPurge(ctx context.Context, limit int) ([]*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + `
		FROM patient_media
		WHERE deleted_at IS NOT NULL AND blobs_purged_at IS NULL
		ORDER BY deleted_at
		LIMIT $1`
	return queryMedia(ctx, s.pool, query, limit)
}

func (s *PostgresStore) MarkBlobsPurged(ctx context.Context, id string, at time.Time) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE patient_media SET blobs_purged_at = $2
		WHERE id = $1 AND deleted_at IS NOT NULL`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка отметки очистки blob'ов: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Unit of work ---

// pgUnitOfWork — UnitOfWork поверх pgx.Tx.
type pgUnitOfWork struct {
	tx pgx.Tx
}

func (u *pgUnitOfWork) GetQuota(ctx context.Context, patientKey string) (*model.QuotaRecord, error) {
	return getQuota(ctx, u.tx, patientKey, true)
}

func (u *pgUnitOfWork) PutQuota(ctx context.Context, q *model.QuotaRecord) error {
	_, err := u.tx.Exec(ctx, `
		INSERT INTO patient_media_quota (patient_key, total_count, total_bytes, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_key) DO UPDATE
		SET total_count = EXCLUDED.total_count,
			total_bytes = EXCLUDED.total_bytes,
			updated_at = EXCLUDED.updated_at`,
		q.PatientKey, q.TotalCount, q.TotalBytes, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка сохранения квоты: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) InsertMedia(ctx context.Context, m *model.MediaRecord) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := u.tx.Exec(ctx, `
		INSERT INTO patient_media (id, patient_key, category, file_uuid, filename, display_name,
			mime_type, extension, size_bytes, hash, storage_path, storage_file_id,
			thumb_path, thumb_file_id, intake_id, uploader_id, created_at, download_count,
			quota_total_count, quota_total_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		m.ID, m.PatientKey, m.Category, m.FileUUID, m.Filename, m.DisplayName,
		m.MimeType, m.Extension, m.SizeBytes, m.Hash, m.StoragePath, m.StorageFileID,
		m.ThumbPath, m.ThumbFileID, m.IntakeID, m.UploaderID, m.CreatedAt, m.DownloadCount,
		m.QuotaSnapshot.TotalCount, m.QuotaSnapshot.TotalBytes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись с таким ID, fileUuid или blob уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка вставки записи: %w", err)
	}
	return nil
}

func (u *pgUnitOfWork) GetMedia(ctx context.Context, id string) (*model.MediaRecord, error) {
	return getMedia(ctx, u.tx, id, true)
}

func (u *pgUnitOfWork) UpdateMedia(ctx context.Context, m *model.MediaRecord) error {
	tag, err := u.tx.Exec(ctx, `
		UPDATE patient_media
		SET deleted_at = $2, deleted_by = $3,
			quota_total_count = $4, quota_total_bytes = $5
		WHERE id = $1`,
		m.ID, m.DeletedAt, m.DeletedBy, m.QuotaSnapshot.TotalCount, m.QuotaSnapshot.TotalBytes,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления записи: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (u *pgUnitOfWork) FindActiveByHash(ctx context.Context, patientKey, hash string) (*model.MediaRecord, error) {
	return findActiveByHash(ctx, u.tx, patientKey, hash)
}

func (u *pgUnitOfWork) ListActiveByIntake(ctx context.Context, intakeID string) ([]*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + `
		FROM patient_media
		WHERE intake_id = $1 AND deleted_at IS NULL
		ORDER BY patient_key, created_at
		FOR UPDATE`
	return queryMedia(ctx, u.tx, query, intakeID)
}

func (u *pgUnitOfWork) SoftDeleteMany(ctx context.Context, ids []string, deletedAt time.Time, deletedBy string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := u.tx.Exec(ctx, `
		UPDATE patient_media
		SET deleted_at = $2, deleted_by = $3
		WHERE id = ANY($1::uuid[]) AND deleted_at IS NULL`,
		ids, deletedAt, deletedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("ошибка пакетного удаления записей: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Общие запросы (пул или транзакция) ---

func getMedia(ctx context.Context, db DBTX, id string, forUpdate bool) (*model.MediaRecord, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	query := `SELECT ` + mediaColumns + ` FROM patient_media WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	m, err := scanMedia(db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи: %w", err)
	}
	return m, nil
}

func findActiveByHash(ctx context.Context, db DBTX, patientKey, hash string) (*model.MediaRecord, error) {
	query := `SELECT ` + mediaColumns + `
		FROM patient_media
		WHERE patient_key = $1 AND hash = $2 AND deleted_at IS NULL
		ORDER BY created_at
		LIMIT 1`

	m, err := scanMedia(db.QueryRow(ctx, query, patientKey, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска дубликата: %w", err)
	}
	return m, nil
}

// getQuota читает ledger. С lock=true строка сначала создаётся
// (ON CONFLICT DO NOTHING), затем блокируется FOR UPDATE: так конкурентные
// транзакции одного пациента сериализуются и при отсутствии ledger.
// Созданная строка откатывается вместе с транзакцией.
func getQuota(ctx context.Context, db DBTX, patientKey string, lock bool) (*model.QuotaRecord, error) {
	query := `SELECT patient_key, total_count, total_bytes, updated_at
		FROM patient_media_quota WHERE patient_key = $1`

	if lock {
		if _, err := db.Exec(ctx, `
			INSERT INTO patient_media_quota (patient_key) VALUES ($1)
			ON CONFLICT (patient_key) DO NOTHING`, patientKey); err != nil {
			return nil, fmt.Errorf("ошибка инициализации квоты: %w", err)
		}
		query += ` FOR UPDATE`
	}

	q := &model.QuotaRecord{}
	err := db.QueryRow(ctx, query, patientKey).Scan(&q.PatientKey, &q.TotalCount, &q.TotalBytes, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.QuotaRecord{PatientKey: patientKey}, nil
		}
		return nil, fmt.Errorf("ошибка получения квоты: %w", err)
	}
	return q, nil
}

func queryMedia(ctx context.Context, db DBTX, query string, args ...any) ([]*model.MediaRecord, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка записей: %w", err)
	}
	defer rows.Close()

	var result []*model.MediaRecord
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedia(row rowScanner) (*model.MediaRecord, error) {
	m := &model.MediaRecord{}
	err := row.Scan(
		&m.ID, &m.PatientKey, &m.Category, &m.FileUUID, &m.Filename, &m.DisplayName,
		&m.MimeType, &m.Extension, &m.SizeBytes, &m.Hash, &m.StoragePath, &m.StorageFileID,
		&m.ThumbPath, &m.ThumbFileID, &m.IntakeID, &m.UploaderID, &m.CreatedAt, &m.DownloadCount,
		&m.DeletedAt, &m.DeletedBy, &m.BlobsPurgedAt, &m.QuotaSnapshot.TotalCount, &m.QuotaSnapshot.TotalBytes,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// validID — идентификаторы записей являются UUID; иное значение
// гарантированно не найдётся и не должно доходить до SQL.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
