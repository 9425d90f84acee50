package service

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/minio/minio-go/v7"

	commonlog "msg_client/client/common/log"
)

const (
	thumbnailEdge = 320
)

// AttachmentStore uploads message attachments to S3-compatible object
// storage before the send command goes out. Image attachments get a JPEG
// thumbnail alongside the original.
type AttachmentStore struct {
	client *minio.Client
	bucket string
}

func NewAttachmentStore(client *minio.Client, bucket string) *AttachmentStore {
	return &AttachmentStore{client: client, bucket: bucket}
}

type AttachmentMeta struct {
	ObjectKey    string `json:"object_key"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	ContentType  string `json:"content_type"`
}

func (s *AttachmentStore) Upload(ctx context.Context, conversationID, path string) (AttachmentMeta, error) {
	filename := filepath.Base(path)
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	objectKey := fmt.Sprintf("conversations/%s/%d_%s", conversationID, time.Now().UnixNano(), filename)

	if _, err := s.client.FPutObject(ctx, s.bucket, objectKey, path, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return AttachmentMeta{}, fmt.Errorf("upload attachment: %w", err)
	}

	meta := AttachmentMeta{ObjectKey: objectKey, ContentType: contentType}
	if isImageExt(filepath.Ext(path)) {
		thumbKey, err := s.uploadThumbnail(ctx, objectKey, path)
		if err != nil {
			// A missing thumbnail degrades display, not delivery.
			commonlog.Warnf("event=attachment action=thumbnail status=failed object_key=%s error=%v", objectKey, err)
		} else {
			meta.ThumbnailKey = thumbKey
		}
	}
	return meta, nil
}

func (s *AttachmentStore) uploadThumbnail(ctx context.Context, objectKey, path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	thumb := imaging.Thumbnail(img, thumbnailEdge, thumbnailEdge, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG); err != nil {
		return "", err
	}
	thumbKey := objectKey + ".thumb.jpg"
	_, err = s.client.PutObject(ctx, s.bucket, thumbKey, buf, int64(buf.Len()), minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", err
	}
	return thumbKey, nil
}

func isImageExt(ext string) bool {
	switch strings.ToLower(ext) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return true
	}
	return false
}
