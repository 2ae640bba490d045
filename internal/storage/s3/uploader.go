package s3store

import (
	"bytes"
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"wahub/internal/domain"
	"wahub/internal/util"
)

type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader stores outbound attachments and returns a URL the provider can fetch.
type Uploader struct {
	Client        PutObjectAPI
	Bucket        string
	Prefix        string
	PublicBaseURL string
}

func (u *Uploader) Upload(ctx context.Context, a domain.Attachment) (string, error) {
	if u.Bucket == "" || u.PublicBaseURL == "" {
		return "", errors.New("attachment bucket not configured")
	}
	contentType := a.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(a.Data)
	}
	key := ObjectKey(u.Prefix, a.FileName, contentType)

	_, err := u.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(a.Data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u.PublicBaseURL, "/") + "/" + key, nil
}

// ObjectKey returns "<prefix>/<ulid><ext>". The random suffix keeps concurrent
// uploads of the same file name apart.
func ObjectKey(prefix, fileName, contentType string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	key := util.NewID("") + ext
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
