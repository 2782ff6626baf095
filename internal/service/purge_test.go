package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
)

func TestPurgeService_RunOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.mustUpload(t, "p-1", "a.png", []byte("aaaa"))
	second := f.mustUpload(t, "p-1", "b.txt", []byte("bb"))

	f.blobs.Fail(blobstore.OpDelete, errors.New("storage down"))
	for _, id := range []string{first.ID, second.ID} {
		if _, err := f.svc.Delete(ctx, id, "admin"); err != nil {
			t.Fatal(err)
		}
	}

	purge := NewPurgeService(f.repo, f.blobs, time.Hour, 10, testLogger()).WithURLCache(f.svc.URLCache())

	// Хранилище всё ещё недоступно
	res := purge.RunOnce(ctx)
	if res.Purged != 0 || res.Errors != 2 {
		t.Errorf("RunOnce при сбое = %+v", res)
	}

	f.blobs.Fail(blobstore.OpDelete, nil)
	res = purge.RunOnce(ctx)
	if res.Purged != 2 || res.Errors != 0 {
		t.Errorf("RunOnce = %+v, ожидалось 2 очищенных", res)
	}
	if keys := f.blobs.Keys(); len(keys) != 0 {
		t.Errorf("остались blob'ы: %v", keys)
	}

	pending, _ := f.repo.ListPendingPurge(ctx, 0)
	if len(pending) != 0 {
		t.Errorf("очередь очистки не пуста: %d", len(pending))
	}

	res = purge.RunOnce(ctx)
	if res.Purged != 0 || res.Errors != 0 {
		t.Errorf("пустой проход = %+v", res)
	}
}

func TestPurgeService_BatchSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.Fail(blobstore.OpDelete, errors.New("storage down"))
	for _, name := range []string{"1.txt", "2.txt", "3.txt"} {
		m := f.mustUpload(t, "p-1", name, []byte(name))
		if _, err := f.svc.Delete(ctx, m.ID, "admin"); err != nil {
			t.Fatal(err)
		}
	}
	f.blobs.Fail(blobstore.OpDelete, nil)

	purge := NewPurgeService(f.repo, f.blobs, time.Hour, 2, testLogger())
	if res := purge.RunOnce(ctx); res.Purged != 2 {
		t.Errorf("Purged = %d, ожидалось 2 (размер пакета)", res.Purged)
	}
	if res := purge.RunOnce(ctx); res.Purged != 1 {
		t.Errorf("Purged = %d, ожидалась 1 оставшаяся", res.Purged)
	}
}

func TestPurgeService_StartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.blobs.Fail(blobstore.OpDelete, errors.New("storage down"))
	m := f.mustUpload(t, "p-1", "a.txt", []byte("a"))
	if _, err := f.svc.Delete(ctx, m.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	f.blobs.Fail(blobstore.OpDelete, nil)

	purge := NewPurgeService(f.repo, f.blobs, time.Hour, 10, testLogger())
	purge.Start(ctx)

	// Первый проход выполняется сразу после старта
	deadline := time.Now().Add(2 * time.Second)
	for f.blobs.Has(m.StorageFileID) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	purge.Stop()

	if f.blobs.Has(m.StorageFileID) {
		t.Error("blob не удалён фоновой очисткой")
	}

	// Stop без Start не блокируется
	NewPurgeService(f.repo, f.blobs, time.Hour, 10, testLogger()).Stop()
}
