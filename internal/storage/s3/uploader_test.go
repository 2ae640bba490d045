package s3store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"wahub/internal/domain"
)

type fakePut struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePut) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestObjectKey(t *testing.T) {
	k := ObjectKey("/attachments/", "Invoice.PDF", "application/pdf")
	if !strings.HasPrefix(k, "attachments/") || !strings.HasSuffix(k, ".pdf") {
		t.Fatalf("unexpected key %q", k)
	}
	if k == ObjectKey("attachments", "Invoice.PDF", "application/pdf") {
		t.Fatalf("keys for the same file name should differ")
	}
	if k := ObjectKey("", "photo", "image/png"); strings.Contains(k, "/") || !strings.HasSuffix(k, ".png") {
		t.Fatalf("expected bare key with extension from content type, got %q", k)
	}
}

func TestUpload(t *testing.T) {
	put := &fakePut{}
	u := &Uploader{Client: put, Bucket: "wahub-media", Prefix: "out", PublicBaseURL: "https://cdn.example.com/"}

	png := []byte("\x89PNG\r\n\x1a\n0000")
	url, err := u.Upload(context.Background(), domain.Attachment{FileName: "qr.png", Data: png})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	key := aws.ToString(put.in.Key)
	if url != "https://cdn.example.com/"+key {
		t.Fatalf("url %q does not point at key %q", url, key)
	}
	if aws.ToString(put.in.Bucket) != "wahub-media" || aws.ToString(put.in.ContentType) != "image/png" {
		t.Fatalf("unexpected put input bucket=%q type=%q", aws.ToString(put.in.Bucket), aws.ToString(put.in.ContentType))
	}
	if string(put.body) != string(png) {
		t.Fatalf("body not uploaded as-is")
	}

	put.err = errors.New("access denied")
	if _, err := u.Upload(context.Background(), domain.Attachment{FileName: "a.pdf", Data: []byte("x")}); err == nil {
		t.Fatalf("expected put error")
	}
}

func TestUploadNotConfigured(t *testing.T) {
	u := &Uploader{Client: &fakePut{}}
	if _, err := u.Upload(context.Background(), domain.Attachment{Data: []byte("x")}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
