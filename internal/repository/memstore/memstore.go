// Пакет memstore — in-memory реализация repository.Store.
// Транзакции сериализуются единым writer-lock; изменения копятся
// в overlay единицы работы и применяются только при успехе fn.
// Используется в тестах и в режиме PM_DB_BACKEND=memory.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
	"github.com/bigkaa/goartstore/patient-media/internal/repository"
)

// Store — потокобезопасное in-memory хранилище записей и ledger.
type Store struct {
	mu    sync.RWMutex
	media map[string]*model.MediaRecord
	quota map[string]*model.QuotaRecord

	// commitErr — ошибка, которую InTx вернёт вместо фиксации (имитация сбоя commit)
	commitErr error
}

var (
	_ repository.Store      = (*Store)(nil)
	_ repository.UnitOfWork = (*unitOfWork)(nil)
)

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		media: make(map[string]*model.MediaRecord),
		quota: make(map[string]*model.QuotaRecord),
	}
}

// Seed записывает ledger и записи напрямую, минуя транзакции.
// quota может быть nil.
func (s *Store) Seed(quota *model.QuotaRecord, records ...*model.MediaRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if quota != nil {
		q := *quota
		s.quota[q.PatientKey] = &q
	}
	for _, r := range records {
		c := cloneMedia(r)
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		s.media[c.ID] = c
	}
}

// InjectCommitError заставляет последующие InTx откатываться с err.
// nil возвращает нормальное поведение.
func (s *Store) InjectCommitError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

// InTx выполняет fn под writer-lock и применяет overlay при успехе.
func (s *Store) InTx(ctx context.Context, fn func(uow repository.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	uow := &unitOfWork{
		s:     s,
		media: make(map[string]*model.MediaRecord),
		quota: make(map[string]*model.QuotaRecord),
	}
	if err := fn(uow); err != nil {
		return err
	}
	if s.commitErr != nil {
		return s.commitErr
	}

	for id, m := range uow.media {
		s.media[id] = m
	}
	for key, q := range uow.quota {
		s.quota[key] = q
	}
	return nil
}

func (s *Store) GetMedia(_ context.Context, id string) (*model.MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.media[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneMedia(m), nil
}

func (s *Store) FindActiveByHash(_ context.Context, patientKey, hash string) (*model.MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByHash(s.media, nil, patientKey, hash)
}

func (s *Store) FindByFileRef(_ context.Context, fileUUID, blobID string) (*model.MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.MediaRecord
	for _, m := range s.media {
		if !refersTo(m, fileUUID, blobID) {
			continue
		}
		if found == nil || m.CreatedAt.Before(found.CreatedAt) {
			found = m
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return cloneMedia(found), nil
}

func (s *Store) ListActive(_ context.Context, patientKey string, limit int) ([]*model.MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.MediaRecord
	for _, m := range s.media {
		if m.PatientKey == patientKey && m.IsActive() {
			result = append(result, cloneMedia(m))
		}
	}
	slices.SortFunc(result, func(a, b *model.MediaRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetQuota(_ context.Context, patientKey string) (*model.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if q, ok := s.quota[patientKey]; ok {
		c := *q
		return &c, nil
	}
	return &model.QuotaRecord{PatientKey: patientKey}, nil
}

func (s *Store) IncrementDownloadCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.media[id]
	if !ok || !m.IsActive() {
		return repository.ErrNotFound
	}
	m.DownloadCount++
	return nil
}

func (s *Store) ListPendingPurge(_ context.Context, limit int) ([]*model.MediaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.MediaRecord
	for _, m := range s.media {
		if !m.IsActive() && m.BlobsPurgedAt == nil {
			result = append(result, cloneMedia(m))
		}
	}
	slices.SortFunc(result, func(a, b *model.MediaRecord) int {
		return a.DeletedAt.Compare(*b.DeletedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) MarkBlobsPurged(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.media[id]
	if !ok || m.IsActive() {
		return repository.ErrNotFound
	}
	m.BlobsPurgedAt = &at
	return nil
}

// --- Unit of work ---

// unitOfWork — overlay поверх базового состояния. Вызывается только
// под writer-lock владельца, поэтому собственной синхронизации нет.
type unitOfWork struct {
	s     *Store
	media map[string]*model.MediaRecord
	quota map[string]*model.QuotaRecord
}

func (u *unitOfWork) lookupMedia(id string) (*model.MediaRecord, bool) {
	if m, ok := u.media[id]; ok {
		return m, true
	}
	m, ok := u.s.media[id]
	return m, ok
}

func (u *unitOfWork) GetQuota(_ context.Context, patientKey string) (*model.QuotaRecord, error) {
	if q, ok := u.quota[patientKey]; ok {
		c := *q
		return &c, nil
	}
	if q, ok := u.s.quota[patientKey]; ok {
		c := *q
		return &c, nil
	}
	return &model.QuotaRecord{PatientKey: patientKey}, nil
}

func (u *unitOfWork) PutQuota(_ context.Context, q *model.QuotaRecord) error {
	c := *q
	u.quota[q.PatientKey] = &c
	return nil
}

func (u *unitOfWork) InsertMedia(_ context.Context, m *model.MediaRecord) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, exists := u.lookupMedia(m.ID); exists {
		return repository.ErrConflict
	}
	for _, cur := range u.merged() {
		if refersTo(cur, m.FileUUID, m.StorageFileID) {
			return repository.ErrConflict
		}
	}
	u.media[m.ID] = cloneMedia(m)
	return nil
}

func (u *unitOfWork) GetMedia(_ context.Context, id string) (*model.MediaRecord, error) {
	m, ok := u.lookupMedia(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneMedia(m), nil
}

func (u *unitOfWork) UpdateMedia(_ context.Context, m *model.MediaRecord) error {
	cur, ok := u.lookupMedia(m.ID)
	if !ok {
		return repository.ErrNotFound
	}
	c := cloneMedia(cur)
	c.DeletedAt = cloneTime(m.DeletedAt)
	c.DeletedBy = m.DeletedBy
	c.QuotaSnapshot = m.QuotaSnapshot
	u.media[m.ID] = c
	return nil
}

func (u *unitOfWork) FindActiveByHash(_ context.Context, patientKey, hash string) (*model.MediaRecord, error) {
	return findByHash(u.s.media, u.media, patientKey, hash)
}

func (u *unitOfWork) ListActiveByIntake(_ context.Context, intakeID string) ([]*model.MediaRecord, error) {
	var result []*model.MediaRecord
	for _, m := range u.merged() {
		if m.IntakeID == intakeID && m.IsActive() {
			result = append(result, cloneMedia(m))
		}
	}
	slices.SortFunc(result, func(a, b *model.MediaRecord) int {
		if c := strings.Compare(a.PatientKey, b.PatientKey); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (u *unitOfWork) SoftDeleteMany(_ context.Context, ids []string, deletedAt time.Time, deletedBy string) (int64, error) {
	var n int64
	for _, id := range ids {
		cur, ok := u.lookupMedia(id)
		if !ok || !cur.IsActive() {
			continue
		}
		c := cloneMedia(cur)
		at := deletedAt
		c.DeletedAt = &at
		c.DeletedBy = deletedBy
		u.media[id] = c
		n++
	}
	return n, nil
}

// merged возвращает актуальное состояние записей с учётом overlay.
func (u *unitOfWork) merged() map[string]*model.MediaRecord {
	out := make(map[string]*model.MediaRecord, len(u.s.media)+len(u.media))
	for id, m := range u.s.media {
		out[id] = m
	}
	for id, m := range u.media {
		out[id] = m
	}
	return out
}

// --- Вспомогательные функции ---

// findByHash ищет самую раннюю активную запись пациента с хэшем.
// overlay (может быть nil) перекрывает base.
func findByHash(base, overlay map[string]*model.MediaRecord, patientKey, hash string) (*model.MediaRecord, error) {
	var found *model.MediaRecord
	check := func(m *model.MediaRecord) {
		if m.PatientKey != patientKey || m.Hash != hash || !m.IsActive() {
			return
		}
		if found == nil || m.CreatedAt.Before(found.CreatedAt) {
			found = m
		}
	}
	for id, m := range base {
		if _, shadowed := overlay[id]; shadowed {
			continue
		}
		check(m)
	}
	for _, m := range overlay {
		check(m)
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	return cloneMedia(found), nil
}

// refersTo проверяет, использует ли запись fileUUID или blobID.
func refersTo(m *model.MediaRecord, fileUUID, blobID string) bool {
	if fileUUID != "" && m.FileUUID == fileUUID {
		return true
	}
	if blobID == "" {
		return false
	}
	return m.StorageFileID == blobID || (m.ThumbFileID != "" && m.ThumbFileID == blobID)
}

func cloneMedia(m *model.MediaRecord) *model.MediaRecord {
	c := *m
	c.DeletedAt = cloneTime(m.DeletedAt)
	c.BlobsPurgedAt = cloneTime(m.BlobsPurgedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CheckReady — in-memory хранилище всегда готово.
func (s *Store) CheckReady() (status string, message string) {
	return "ok", "in-memory хранилище записей"
}
