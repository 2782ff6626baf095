package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
)

// uploadToIntake загружает файл с меткой intake-заявки.
func (f *fixture) uploadToIntake(t *testing.T, patient, intake, name string, data []byte) *CompleteResult {
	t.Helper()
	ctx := context.Background()

	prep, err := f.svc.Prepare(ctx, PrepareParams{PatientKey: patient, FileName: name, SizeBytes: int64(len(data))})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := f.blobs.Put(ctx, prep.StoragePath, data, prep.MimeType); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err := f.svc.Complete(ctx, CompleteParams{
		PatientKey: patient,
		FileUUID:   prep.FileUUID,
		BlobID:     prep.StoragePath,
		FileName:   name,
		IntakeID:   intake,
		UploaderID: "admin-1",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return res
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.mustUpload(t, "p-1", "photo.png", []byte("img-123"))
	f.mustUpload(t, "p-1", "doc.pdf", []byte("pdf"))
	f.assertLedger(t, "p-1", 2, 10)

	// URL попадает в кэш и должен быть сброшен при удалении
	if _, err := f.svc.Download(ctx, img.ID); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Delete(ctx, img.ID, "admin-2")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Quota.TotalCount != 1 || res.Quota.TotalBytes != 3 || res.DeletedAt.IsZero() {
		t.Errorf("DeleteResult = %+v", res)
	}
	f.assertLedger(t, "p-1", 1, 3)

	rec, _ := f.repo.GetMedia(ctx, img.ID)
	if rec.IsActive() || rec.DeletedBy != "admin-2" {
		t.Errorf("запись не помечена удалённой: %+v", rec)
	}
	if rec.QuotaSnapshot.TotalCount != 1 || rec.QuotaSnapshot.TotalBytes != 3 {
		t.Errorf("QuotaSnapshot = %+v", rec.QuotaSnapshot)
	}
	if rec.BlobsPurgedAt == nil {
		t.Error("ожидалась отметка об удалении blob'ов")
	}
	if f.blobs.Has(img.StorageFileID) || f.blobs.Has(img.ThumbFileID) {
		t.Errorf("blob'ы не удалены: %v", f.blobs.Keys())
	}
	if f.svc.URLCache().Len() != 0 {
		t.Errorf("кэш URL не сброшен: %d", f.svc.URLCache().Len())
	}
}

func TestDelete_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.mustUpload(t, "p-1", "a.txt", []byte("abc"))
	if _, err := f.svc.Delete(ctx, m.ID, "admin"); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.Delete(ctx, m.ID, "admin")
	assertCode(t, err, CodeNotFound)
	f.assertLedger(t, "p-1", 0, 0)

	_, err = f.svc.Delete(ctx, "missing", "admin")
	assertCode(t, err, CodeNotFound)
	_, err = f.svc.Delete(ctx, " ", "admin")
	assertCode(t, err, CodeValidationError)
}

func TestDelete_StorageFailureLeavesPendingPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.mustUpload(t, "p-1", "a.txt", []byte("abc"))

	f.blobs.Fail(blobstore.OpDelete, errors.New("storage down"))
	if _, err := f.svc.Delete(ctx, m.ID, "admin"); err != nil {
		t.Fatalf("сбой хранилища не должен ломать удаление: %v", err)
	}
	f.assertLedger(t, "p-1", 0, 0)

	pending, _ := f.repo.ListPendingPurge(ctx, 0)
	if len(pending) != 1 || pending[0].ID != m.ID {
		t.Fatalf("ожидалась одна запись в очереди очистки, получено %d", len(pending))
	}
	if !f.blobs.Has(m.StorageFileID) {
		t.Error("blob не должен быть удалён при сбое")
	}
}

func TestCleanupByIntake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.uploadToIntake(t, "p-1", "intake-7", "a.png", []byte("aaaa"))
	b := f.uploadToIntake(t, "p-2", "intake-7", "b.pdf", []byte("bb"))
	f.uploadToIntake(t, "p-2", "intake-7", "c.txt", []byte("c"))
	keep := f.uploadToIntake(t, "p-1", "intake-8", "d.txt", []byte("dd"))
	f.mustUpload(t, "p-2", "e.txt", []byte("eee"))

	res, err := f.svc.CleanupByIntake(ctx, "intake-7", "admin")
	if err != nil {
		t.Fatalf("CleanupByIntake: %v", err)
	}
	if res.DeletedCount != 3 {
		t.Errorf("DeletedCount = %d, ожидалось 3", res.DeletedCount)
	}
	f.assertLedger(t, "p-1", 1, 2)
	f.assertLedger(t, "p-2", 1, 3)

	for _, id := range []string{a.Media.StorageFileID, a.Media.ThumbFileID, b.Media.StorageFileID} {
		if f.blobs.Has(id) {
			t.Errorf("blob %s не удалён", id)
		}
	}
	if !f.blobs.Has(keep.Media.StorageFileID) {
		t.Error("blob другой заявки удалён")
	}

	// Повторная очистка ничего не меняет
	res, err = f.svc.CleanupByIntake(ctx, "intake-7", "admin")
	if err != nil || res.DeletedCount != 0 {
		t.Errorf("повторная очистка: %+v, %v", res, err)
	}
	f.assertLedger(t, "p-2", 1, 3)

	_, err = f.svc.CleanupByIntake(ctx, "", "admin")
	assertCode(t, err, CodeValidationError)
}

func TestCleanupByIntake_CommitFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.uploadToIntake(t, "p-1", "intake-1", "a.txt", []byte("aa"))

	f.repo.InjectCommitError(errors.New("connection reset"))
	_, err := f.svc.CleanupByIntake(ctx, "intake-1", "admin")
	assertCode(t, err, CodeDatabaseUnavailable)
	f.repo.InjectCommitError(nil)

	f.assertLedger(t, "p-1", 1, 2)
	if len(f.blobs.Keys()) != 1 {
		t.Errorf("blob'ы не должны удаляться при откате: %v", f.blobs.Keys())
	}
}
