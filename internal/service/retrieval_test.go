package service

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/bigkaa/goartstore/patient-media/internal/blobstore"
	"github.com/bigkaa/goartstore/patient-media/internal/domain/model"
)

func TestDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.mustUpload(t, "p-1", "Выписка.pdf", []byte("%PDF"))

	res, err := f.svc.Download(ctx, m.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	u, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	cd := u.Query().Get("response-content-disposition")
	if !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, "filename*=UTF-8''") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if res.ExpiresAt.IsZero() {
		t.Error("ожидался ExpiresAt")
	}

	got, _ := f.repo.GetMedia(ctx, m.ID)
	if got.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, ожидался 1", got.DownloadCount)
	}

	// Повторный вызов отдаёт URL из кэша
	again, err := f.svc.Download(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.URL != res.URL || !again.ExpiresAt.Equal(res.ExpiresAt) {
		t.Error("ожидался URL из кэша с исходным ExpiresAt")
	}

	_, err = f.svc.Download(ctx, "missing")
	assertCode(t, err, CodeNotFound)
	_, err = f.svc.Download(ctx, "")
	assertCode(t, err, CodeValidationError)
}

func TestDownload_SoftDeletedAndMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.mustUpload(t, "p-1", "a.txt", []byte("a"))
	if _, err := f.svc.Delete(ctx, m.ID, "admin"); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Download(ctx, m.ID)
	assertCode(t, err, CodeNotFound)

	f.repo.Seed(nil, &model.MediaRecord{ID: "no-blob", PatientKey: "p-1", Category: model.CategoryDocument})
	_, err = f.svc.Download(ctx, "no-blob")
	assertCode(t, err, CodeFileNotFound)
}

func TestPreview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := f.mustUpload(t, "p-1", "photo.png", []byte("png-bytes"))
	doc := f.mustUpload(t, "p-1", "scan.pdf", []byte("%PDF"))

	tests := []struct {
		name        string
		id          string
		variant     model.PreviewVariant
		wantVariant model.PreviewVariant
		wantPrefix  string
		wantMime    string
	}{
		{"изображение по умолчанию: миниатюра", img.ID, "", model.VariantThumb, "memory://" + img.ThumbFileID, "image/jpeg"},
		{"изображение, full", img.ID, model.VariantFull, model.VariantFull, "memory://" + img.StorageFileID, "image/png"},
		{"документ по умолчанию: оригинал", doc.ID, "", model.VariantFull, "memory://" + doc.StorageFileID, "application/pdf"},
		{"документ с thumb: оригинал", doc.ID, model.VariantThumb, model.VariantFull, "memory://" + doc.StorageFileID, "application/pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Preview(ctx, tt.id, tt.variant)
			if err != nil {
				t.Fatalf("Preview: %v", err)
			}
			if res.Variant != tt.wantVariant || res.MimeType != tt.wantMime {
				t.Errorf("Variant = %s, MimeType = %s", res.Variant, res.MimeType)
			}
			if !strings.HasPrefix(res.URL, tt.wantPrefix+"?") {
				t.Errorf("URL = %s, ожидался префикс %s", res.URL, tt.wantPrefix)
			}
			if !strings.Contains(res.URL, "inline") {
				t.Errorf("ожидался inline Content-Disposition: %s", res.URL)
			}
		})
	}

	_, err := f.svc.Preview(ctx, img.ID, "huge")
	assertCode(t, err, CodeValidationError)
}

func TestPreview_FallbackAndUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.thumbs.err = errors.New("bad image")

	img := f.mustUpload(t, "p-1", "photo.jpg", []byte("jpeg-bytes"))
	res, err := f.svc.Preview(ctx, img.ID, model.VariantThumb)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.Variant != model.VariantFull || res.SizeBytes != img.SizeBytes {
		t.Errorf("без миниатюры ожидался оригинал: %+v", res)
	}

	f.blobs.Fail(blobstore.OpSign, errors.New("signer down"))
	defer f.blobs.Fail(blobstore.OpSign, nil)
	f.svc.urls = nil
	_, err = f.svc.Preview(ctx, img.ID, model.VariantFull)
	assertCode(t, err, CodePreviewUnavailable)
}

func TestPreviewText(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limits.TxtPreviewLimit = 16 })
	ctx := context.Background()

	ok := f.mustUpload(t, "p-1", "note.txt", []byte("привет\xff"))
	res, err := f.svc.PreviewText(ctx, ok.ID)
	if err != nil {
		t.Fatalf("PreviewText: %v", err)
	}
	if res.Content != "привет�" || res.Length != len(res.Content) {
		t.Errorf("PreviewText = %+v", res)
	}

	// Ровно лимит допустим, лимит + 1 уже нет
	exact := f.mustUpload(t, "p-1", "exact.txt", bytes.Repeat([]byte("a"), 16))
	if _, err := f.svc.PreviewText(ctx, exact.ID); err != nil {
		t.Errorf("файл размером ровно в лимит: %v", err)
	}
	big := f.mustUpload(t, "p-1", "big.txt", bytes.Repeat([]byte("b"), 17))
	_, err = f.svc.PreviewText(ctx, big.ID)
	assertCode(t, err, CodeTxtTooLarge)

	pdf := f.mustUpload(t, "p-1", "scan.pdf", []byte("%PDF"))
	_, err = f.svc.PreviewText(ctx, pdf.ID)
	assertCode(t, err, CodeUnsupportedPreview)
}

func TestList(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limits.ListLimit = 3 })
	ctx := context.Background()

	empty, err := f.svc.List(ctx, "p-new")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if empty.Images == nil || empty.Documents == nil || empty.Quota.TotalCount != 0 {
		t.Errorf("пустой список = %+v", empty)
	}

	f.mustUpload(t, "p-1", "1.png", []byte("1"))
	f.mustUpload(t, "p-1", "2.pdf", []byte("2"))
	f.mustUpload(t, "p-1", "3.png", []byte("3"))
	f.mustUpload(t, "p-1", "4.txt", []byte("4"))
	f.mustUpload(t, "p-2", "other.png", []byte("5"))

	res, err := f.svc.List(ctx, "p-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total := len(res.Images) + len(res.Documents); total != 3 {
		t.Errorf("получено %d записей, ожидалось 3 (лимит)", total)
	}
	if res.Quota.TotalCount != 4 {
		t.Errorf("квота = %+v", res.Quota)
	}
	for _, m := range res.Images {
		if m.Category != model.CategoryImage || m.PatientKey != "p-1" {
			t.Errorf("в images попала запись %+v", m)
		}
	}

	_, err = f.svc.List(ctx, "")
	assertCode(t, err, CodeValidationError)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Summary(ctx, "p-1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if res.TotalCount != 0 || res.UpdatedAt != nil {
		t.Errorf("Summary без ledger = %+v", res)
	}

	f.mustUpload(t, "p-1", "a.txt", []byte("abc"))
	res, _ = f.svc.Summary(ctx, "p-1")
	if res.TotalCount != 1 || res.TotalBytes != 3 || res.UpdatedAt == nil {
		t.Errorf("Summary = %+v", res)
	}
}
