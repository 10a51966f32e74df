// Package memory implements storage.Backend in process. Leases expire against
// the configured clock and copies complete according to a pluggable behaviour
// so coordination paths can be exercised without a real blob service.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/clock"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/ids"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	Clock clock.Clock
	// CopyBehavior decides the initial state of a StartCopy. Nil copies
	// synchronously with CopySuccess.
	CopyBehavior func(srcContainer, srcKey string) storage.CopyState
}

// Store implements storage.Backend in memory; intended for tests and local dev.
type Store struct {
	mu         sync.RWMutex
	clock      clock.Clock
	containers map[string]map[string]*object
	copyFn     func(srcContainer, srcKey string) storage.CopyState
	injected   map[string][]error
	calls      map[string]int
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
	metadata    map[string]string
	leaseID     string
	leaseUntil  time.Time // zero means infinite while leaseID is set
	copy        *storage.CopyInfo
	copySource  []byte
	copyMeta    map[string]string
}

// New returns an empty store on the real clock.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns an empty store using cfg.
func NewWithConfig(cfg Config) *Store {
	return &Store{
		clock:      clock.Or(cfg.Clock),
		containers: make(map[string]map[string]*object),
		copyFn:     cfg.CopyBehavior,
		injected:   make(map[string][]error),
		calls:      make(map[string]int),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// InjectError queues err to be returned by the next call to op (the Backend
// method name, e.g. "SetMetadata").
func (s *Store) InjectError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[op] = append(s.injected[op], err)
}

// Calls returns how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// CompleteCopy moves a pending copy on container/key to state. A successful
// completion materialises the copied payload.
func (s *Store) CompleteCopy(container, key string, state storage.CopyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.lookupLocked(container, key)
	if obj == nil || obj.copy == nil {
		return storage.ErrNotFound
	}
	obj.copy.State = state
	if state == storage.CopySuccess {
		obj.payload = obj.copySource
		obj.metadata = obj.copyMeta
		obj.etag = newETag()
		obj.updated = s.clock.Now()
	}
	return nil
}

// EnsureContainer creates container when missing.
func (s *Store) EnsureContainer(_ context.Context, container string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.containerLocked(container)
	return nil
}

// enter records the call and pops an injected error, if any.
func (s *Store) enter(op string) error {
	s.calls[op]++
	queue := s.injected[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.injected[op] = queue[1:]
	return err
}

func (s *Store) containerLocked(container string) map[string]*object {
	objs, ok := s.containers[container]
	if !ok {
		objs = make(map[string]*object)
		s.containers[container] = objs
	}
	return objs
}

func (s *Store) lookupLocked(container, key string) *object {
	objs, ok := s.containers[container]
	if !ok {
		return nil
	}
	return objs[key]
}

func (s *Store) leaseActiveLocked(obj *object) bool {
	if obj.leaseID == "" {
		return false
	}
	if obj.leaseUntil.IsZero() {
		return true
	}
	return s.clock.Now().Before(obj.leaseUntil)
}

// checkLeaseLocked mirrors the blob service: a leased blob only accepts
// writes carrying its lease id, and a lease id on an unleased blob is an
// error.
func (s *Store) checkLeaseLocked(obj *object, leaseID string) error {
	active := s.leaseActiveLocked(obj)
	switch {
	case active && leaseID != obj.leaseID:
		return storage.ErrLeaseMismatch
	case !active && leaseID != "":
		return storage.ErrLeaseMismatch
	}
	return nil
}

func (s *Store) infoLocked(container, key string, obj *object) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Container:    container,
		Key:          key,
		ETag:         obj.etag,
		Size:         int64(len(obj.payload)),
		LastModified: obj.updated,
		ContentType:  obj.contentType,
		Metadata:     storage.CloneMetadata(obj.metadata),
		MetadataETag: obj.etag,
		Leased:       s.leaseActiveLocked(obj),
	}
}

// ListObjects enumerates objects in lexical order.
func (s *Store) ListObjects(_ context.Context, container string, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListObjects"); err != nil {
		return nil, err
	}
	objs := s.containers[container]
	keys := make([]string, 0, len(objs))
	for key := range objs {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			break
		}
		info := s.infoLocked(container, key, objs[key])
		if !opts.IncludeMetadata {
			info.Metadata = nil
		}
		result.Objects = append(result.Objects, *info)
		result.NextStartAfter = key
	}
	if !result.Truncated {
		result.NextStartAfter = ""
	}
	return result, nil
}

// GetObject returns a reader over a copy of the payload.
func (s *Store) GetObject(_ context.Context, container, key string) (storage.GetObjectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetObject"); err != nil {
		return storage.GetObjectResult{}, err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil || obj.payload == nil {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), obj.payload...)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info:   s.infoLocked(container, key, obj),
	}, nil
}

// PutObject stores body under container/key.
func (s *Store) PutObject(_ context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("PutObject"); err != nil {
		return nil, err
	}
	objs := s.containerLocked(container)
	existing := objs[key]
	switch {
	case opts.ExpectedETag != "":
		if existing == nil || existing.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists:
		if existing != nil {
			return nil, storage.ErrCASMismatch
		}
	}
	obj := &object{}
	if existing != nil {
		if err := s.checkLeaseLocked(existing, opts.LeaseID); err != nil {
			return nil, err
		}
		obj.leaseID = existing.leaseID
		obj.leaseUntil = existing.leaseUntil
	} else if opts.LeaseID != "" {
		return nil, storage.ErrLeaseMismatch
	}
	obj.payload = data
	obj.etag = newETag()
	obj.contentType = opts.ContentType
	obj.updated = s.clock.Now()
	obj.metadata = storage.CloneMetadata(opts.Metadata)
	objs[key] = obj
	return s.infoLocked(container, key, obj), nil
}

// DeleteObject removes container/key.
func (s *Store) DeleteObject(_ context.Context, container, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteObject"); err != nil {
		return err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && obj.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.checkLeaseLocked(obj, opts.LeaseID); err != nil {
		return err
	}
	delete(s.containers[container], key)
	return nil
}

// GetProperties returns blob properties and metadata.
func (s *Store) GetProperties(_ context.Context, container, key string) (*storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetProperties"); err != nil {
		return nil, err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil {
		return nil, storage.ErrNotFound
	}
	return s.infoLocked(container, key, obj), nil
}

// SetMetadata replaces the blob metadata; like the blob service it also
// rotates the blob ETag.
func (s *Store) SetMetadata(_ context.Context, container, key string, metadata map[string]string, opts storage.MetadataOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SetMetadata"); err != nil {
		return "", err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil {
		return "", storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && obj.etag != opts.ExpectedETag {
		return "", storage.ErrCASMismatch
	}
	if err := s.checkLeaseLocked(obj, opts.LeaseID); err != nil {
		return "", err
	}
	obj.metadata = storage.CloneMetadata(metadata)
	obj.etag = newETag()
	obj.updated = s.clock.Now()
	return obj.etag, nil
}

// AcquireLease takes a lease; duration <= 0 means infinite.
func (s *Store) AcquireLease(_ context.Context, container, key string, duration time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AcquireLease"); err != nil {
		return "", err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil {
		return "", storage.ErrNotFound
	}
	if s.leaseActiveLocked(obj) {
		return "", storage.ErrLeaseConflict
	}
	obj.leaseID = ids.NewString()
	obj.leaseUntil = time.Time{}
	if duration > 0 {
		obj.leaseUntil = s.clock.Now().Add(duration)
	}
	return obj.leaseID, nil
}

// ReleaseLease drops the lease when leaseID matches.
func (s *Store) ReleaseLease(_ context.Context, container, key, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ReleaseLease"); err != nil {
		return err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil {
		return storage.ErrNotFound
	}
	if obj.leaseID == "" || obj.leaseID != leaseID {
		return storage.ErrLeaseMismatch
	}
	obj.leaseID = ""
	obj.leaseUntil = time.Time{}
	return nil
}

// StartCopy copies src into dst according to the configured behaviour.
func (s *Store) StartCopy(_ context.Context, srcContainer, srcKey, dstContainer, dstKey string) (storage.CopyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("StartCopy"); err != nil {
		return storage.CopyInfo{}, err
	}
	src := s.lookupLocked(srcContainer, srcKey)
	if src == nil || src.payload == nil {
		return storage.CopyInfo{}, storage.ErrNotFound
	}
	state := storage.CopySuccess
	if s.copyFn != nil {
		state = s.copyFn(srcContainer, srcKey)
	}
	info := storage.CopyInfo{ID: ids.NewToken(), State: state}
	if state == storage.CopyFailed {
		info.Description = fmt.Sprintf("copy of %s/%s failed", srcContainer, srcKey)
	}
	dst := &object{
		etag:        newETag(),
		contentType: src.contentType,
		updated:     s.clock.Now(),
		copySource:  append([]byte(nil), src.payload...),
		copyMeta:    storage.CloneMetadata(src.metadata),
	}
	copied := info
	dst.copy = &copied
	if state == storage.CopySuccess {
		dst.payload = dst.copySource
		dst.metadata = dst.copyMeta
	}
	s.containerLocked(dstContainer)[dstKey] = dst
	return info, nil
}

// CopyStatus reports the copy recorded on container/key.
func (s *Store) CopyStatus(_ context.Context, container, key string) (storage.CopyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CopyStatus"); err != nil {
		return storage.CopyInfo{}, err
	}
	obj := s.lookupLocked(container, key)
	if obj == nil || obj.copy == nil {
		return storage.CopyInfo{}, storage.ErrNotFound
	}
	return *obj.copy, nil
}

func newETag() string {
	return ids.NewString()
}
