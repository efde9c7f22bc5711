package entity

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/storage"
)

// KeyFunc computes the blob key of a file field
type KeyFunc func(e *Entity, content []byte) string

// ContentKey returns a content-addressed KeyFunc: <prefix>/<sha256><ext>
func ContentKey(prefix, ext string) KeyFunc {
	return func(_ *Entity, content []byte) string {
		sum := sha256.Sum256(content)
		return prefix + "/" + hex.EncodeToString(sum[:]) + ext
	}
}

// FileProvider stores file fields in a blob store. The field value is the
// blob key. Place it before the SQLProvider so that the key is persisted.
// Blobs that are replaced or belong to deleted entities are removed only
// after the surrounding transaction commits.
type FileProvider struct {
	Store       storage.BlobStore
	Field       string
	Key         KeyFunc
	ContentType string
}

// NewFileProvider creates a provider for one file field. An empty content
// type is sniffed from the content.
func NewFileProvider(store storage.BlobStore, field string, key KeyFunc, contentType string) *FileProvider {
	return &FileProvider{Store: store, Field: field, Key: key, ContentType: contentType}
}

func (p *FileProvider) put(ctx context.Context, e *Entity) (string, bool, error) {
	content, ok := e.PendingFile(p.Field)
	if !ok {
		return "", false, nil
	}
	key := p.Key(e, content)
	contentType := p.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(content)
	}
	existed, err := p.Store.Exists(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up %s.%s: %w", e.Schema().Name, p.Field, err)
	}
	if err := p.Store.Put(ctx, key, bytes.NewReader(content), contentType); err != nil {
		return "", false, fmt.Errorf("failed to store %s.%s: %w", e.Schema().Name, p.Field, err)
	}
	if e.fresh == nil {
		e.fresh = make(map[string]bool)
	}
	e.fresh[p.Field] = !existed
	if err := e.SetInternal(p.Field, key); err != nil {
		return "", false, err
	}
	return key, true, nil
}

// CreateEntity stores staged content
func (p *FileProvider) CreateEntity(ctx context.Context, e *Entity) error {
	_, _, err := p.put(ctx, e)
	return err
}

// UpdateEntity stores staged content and schedules removal of the old blob
func (p *FileProvider) UpdateEntity(ctx context.Context, e *Entity) error {
	old, _ := e.Original(p.Field).(string)
	key, wrote, err := p.put(ctx, e)
	if err != nil || !wrote {
		return err
	}
	if old != "" && old != key {
		p.deleteAfterCommit(ctx, old)
	}
	return nil
}

// DeleteEntity schedules removal of the blob
func (p *FileProvider) DeleteEntity(ctx context.Context, e *Entity) error {
	if key := e.String(p.Field); key != "" {
		p.deleteAfterCommit(ctx, key)
	}
	return nil
}

// RevertCreate removes a blob written by CreateEntity
func (p *FileProvider) RevertCreate(ctx context.Context, e *Entity) error {
	return p.revert(ctx, e, "")
}

// RevertUpdate removes a blob written by UpdateEntity unless it replaced
// the previous one in place
func (p *FileProvider) RevertUpdate(ctx context.Context, e *Entity, previous map[string]interface{}) error {
	old, _ := previous[p.Field].(string)
	return p.revert(ctx, e, old)
}

// RevertDelete has nothing to undo because removal waits for the commit
func (p *FileProvider) RevertDelete(ctx context.Context, e *Entity) error {
	return nil
}

// revert removes the blob written for staged content. A key that was
// already taken before put may be shared with another entity holding the
// same content, so its blob stays.
func (p *FileProvider) revert(ctx context.Context, e *Entity, keep string) error {
	if !e.fresh[p.Field] {
		return nil
	}
	delete(e.fresh, p.Field)
	key := e.String(p.Field)
	if key == "" || key == keep {
		return nil
	}
	return p.Store.Delete(ctx, key)
}

func (p *FileProvider) deleteAfterCommit(ctx context.Context, key string) {
	store := p.Store
	storage.AfterCommit(ctx, func() {
		_ = store.Delete(context.Background(), key)
	})
}

// Open reads the blob of the entity's file field
func (p *FileProvider) Open(ctx context.Context, e *Entity) (io.ReadCloser, error) {
	key := e.String(p.Field)
	if key == "" {
		return nil, errdefs.NotFound("%s has no %s", e.Schema().Name, p.Field)
	}
	return p.Store.Get(ctx, key)
}
