package cache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"

	"wisefido-tagcache/internal/metrics"

	"github.com/EagleChen/mapmutex"
	"github.com/tiendc/go-deepcopy"
	"go.uber.org/zap"
)

// Cacheable is implemented by every value held in a Store.
type Cacheable[K cmp.Ordered] interface {
	CacheKey() K
}

// Loader recovers values from the backing store. Returning ErrNotFound (or any
// other error, or a nil value) makes the store report ErrNotFound.
type Loader[K cmp.Ordered, V any] interface {
	LoadByID(ctx context.Context, key K) (V, error)
	LoadAll(ctx context.Context) ([]V, error)
}

// Options tunes key locking and loading. Lock delays follow mapmutex: retries
// back off from LockBaseDelay up to LockMaxDelay.
type Options struct {
	LockRetries   int
	LockMaxDelay  time.Duration
	LockBaseDelay time.Duration
	LockFactor    float64
	LockJitter    float64
	LoadTimeout   time.Duration
}

// DefaultOptions gives every key lock roughly a minute before ErrLockTimeout.
func DefaultOptions() Options {
	return Options{
		LockRetries:   800,
		LockMaxDelay:  100 * time.Millisecond,
		LockBaseDelay: 10 * time.Nanosecond,
		LockFactor:    1.1,
		LockJitter:    0.2,
		LoadTimeout:   5 * time.Second,
	}
}

// Store is a concurrent keyed container with per-key writer locks, lazy
// loading and listener notification.
//
// Published values are never mutated: writers take a copy, change it and Put
// it back. Readers therefore need no key lock.
type Store[K cmp.Ordered, V Cacheable[K]] struct {
	name        string
	locks       *mapmutex.Mutex
	loader      Loader[K, V]
	listeners   *Registry[K, V]
	loadTimeout time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	entries map[K]V
	dirty   map[K]struct{}
}

// NewStore creates a store. loader may be nil. Store names must be unique
// within a process because transactions order their locks by name.
func NewStore[K cmp.Ordered, V Cacheable[K]](name string, loader Loader[K, V], opts Options, logger *zap.Logger) *Store[K, V] {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultOptions().LoadTimeout
	}
	logger = logger.With(zap.String("store", name))
	return &Store[K, V]{
		name: name,
		locks: mapmutex.NewCustomizedMapMutex(
			opts.LockRetries,
			float64(opts.LockMaxDelay),
			float64(opts.LockBaseDelay),
			opts.LockFactor,
			opts.LockJitter,
		),
		loader:      loader,
		listeners:   NewRegistry[K, V](name, Clone[V], logger),
		loadTimeout: opts.LoadTimeout,
		logger:      logger,
		entries:     make(map[K]V),
		dirty:       make(map[K]struct{}),
	}
}

// Clone returns a deep copy of v.
func Clone[V any](v V) (V, error) {
	var out V
	if err := deepcopy.Copy(&out, &v); err != nil {
		return out, fmt.Errorf("failed to copy %T: %w", v, err)
	}
	return out, nil
}

// Name returns the store name used in logs, metrics and lock ordering.
func (s *Store[K, V]) Name() string {
	return s.name
}

// Listeners returns the registry notified by Put and Remove.
func (s *Store[K, V]) Listeners() *Registry[K, V] {
	return s.listeners
}

// Register is a shortcut for Listeners().Register.
func (s *Store[K, V]) Register(listener Listener[K, V], mode DeliveryMode) (Handle, error) {
	return s.listeners.Register(listener, mode)
}

// Ref returns a lockable reference for Executor.Execute.
func (s *Store[K, V]) Ref(key K) KeyRef {
	return KeyRef{store: s, key: key}
}

// Get returns the live published value. It must be treated as read-only; use
// GetCopy for a value that may be changed.
func (s *Store[K, V]) Get(key K) (V, error) {
	var zero V
	if err := s.checkKey(key); err != nil {
		return zero, err
	}
	if v, ok := s.lookup(key); ok {
		metrics.RecordLookup(s.name, metrics.LoadHit)
		return v, nil
	}
	if s.loader == nil {
		metrics.RecordLookup(s.name, metrics.LoadNotFound)
		return zero, s.notFound(key)
	}

	if !s.locks.TryLock(key) {
		return zero, s.lockTimeout(key)
	}
	defer s.locks.Unlock(key)

	return s.loadLocked(key)
}

// GetCopy returns an independent copy of the value.
func (s *Store[K, V]) GetCopy(key K) (V, error) {
	v, err := s.Get(key)
	if err != nil {
		return v, err
	}
	return Clone(v)
}

// ContainsKey reports whether the key is cached. The loader is not consulted.
func (s *Store[K, V]) ContainsKey(key K) bool {
	_, ok := s.lookup(key)
	return ok
}

// GetKeys returns a sorted snapshot of the cached keys.
func (s *Store[K, V]) GetKeys() []K {
	s.mu.RLock()
	keys := make([]K, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// Len returns the number of cached entries.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Put stores value under key, marks it dirty and notifies listeners.
func (s *Store[K, V]) Put(key K, value V) error {
	return s.lockedWrite(key, value, true)
}

// PutQuiet is Put without listener notification.
func (s *Store[K, V]) PutQuiet(key K, value V) error {
	return s.lockedWrite(key, value, false)
}

// Remove deletes key. Removing an absent key returns false and no error.
func (s *Store[K, V]) Remove(key K) (bool, error) {
	if err := s.checkKey(key); err != nil {
		return false, err
	}
	if !s.locks.TryLock(key) {
		return false, s.lockTimeout(key)
	}
	defer s.locks.Unlock(key)

	return s.removeLocked(key), nil
}

// GetTx is Get for keys locked (now or earlier) by tx.
func (s *Store[K, V]) GetTx(tx *Tx, key K) (V, error) {
	var zero V
	if err := s.checkKey(key); err != nil {
		return zero, err
	}
	if err := tx.acquire(s.Ref(key)); err != nil {
		return zero, err
	}
	if v, ok := s.lookup(key); ok {
		metrics.RecordLookup(s.name, metrics.LoadHit)
		return v, nil
	}
	return s.loadLocked(key)
}

// GetCopyTx is GetCopy under the locks of tx.
func (s *Store[K, V]) GetCopyTx(tx *Tx, key K) (V, error) {
	v, err := s.GetTx(tx, key)
	if err != nil {
		return v, err
	}
	return Clone(v)
}

// PutTx is Put under the locks of tx.
func (s *Store[K, V]) PutTx(tx *Tx, key K, value V) error {
	return s.txWrite(tx, key, value, true)
}

// PutQuietTx is PutQuiet under the locks of tx.
func (s *Store[K, V]) PutQuietTx(tx *Tx, key K, value V) error {
	return s.txWrite(tx, key, value, false)
}

// RemoveTx is Remove under the locks of tx.
func (s *Store[K, V]) RemoveTx(tx *Tx, key K) (bool, error) {
	if err := s.checkKey(key); err != nil {
		return false, err
	}
	if err := tx.acquire(s.Ref(key)); err != nil {
		return false, err
	}
	return s.removeLocked(key), nil
}

// Preload inserts everything the loader returns without notifying listeners.
// Keys that are already cached keep their value.
func (s *Store[K, V]) Preload(ctx context.Context) (int, error) {
	if s.loader == nil {
		return 0, nil
	}
	values, err := s.loader.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to preload %s: %w", s.name, err)
	}

	loaded := 0
	s.mu.Lock()
	for _, v := range values {
		if isNil(v) {
			continue
		}
		key := v.CacheKey()
		if _, ok := s.entries[key]; ok {
			continue
		}
		s.entries[key] = v
		loaded++
	}
	s.mu.Unlock()

	s.logger.Info("Store preloaded", zap.Int("loaded", loaded), zap.Int("returned", len(values)))
	return loaded, nil
}

// DrainDirty returns the keys written since the last drain and clears the set.
func (s *Store[K, V]) DrainDirty() []K {
	s.mu.Lock()
	keys := make([]K, 0, len(s.dirty))
	for k := range s.dirty {
		keys = append(keys, k)
	}
	s.dirty = make(map[K]struct{})
	s.mu.Unlock()
	slices.Sort(keys)
	return keys
}

// MarkDirty flags keys for the next drain. Keys that are no longer cached are ignored.
func (s *Store[K, V]) MarkDirty(keys ...K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.entries[k]; ok {
			s.dirty[k] = struct{}{}
		}
	}
}

func (s *Store[K, V]) lockedWrite(key K, value V, notify bool) error {
	if err := s.checkWrite(key, value); err != nil {
		return err
	}
	if !s.locks.TryLock(key) {
		return s.lockTimeout(key)
	}
	defer s.locks.Unlock(key)

	return s.write(key, value, notify)
}

func (s *Store[K, V]) txWrite(tx *Tx, key K, value V, notify bool) error {
	if err := s.checkWrite(key, value); err != nil {
		return err
	}
	if err := tx.acquire(s.Ref(key)); err != nil {
		return err
	}
	return s.write(key, value, notify)
}

// write publishes a private copy of value. The caller holds the key lock, so
// listeners see the writes of one key in Put order.
func (s *Store[K, V]) write(key K, value V, notify bool) error {
	published, err := Clone(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous, hadPrevious := s.entries[key]
	s.entries[key] = published
	s.dirty[key] = struct{}{}
	s.mu.Unlock()

	if !notify {
		metrics.RecordStoreWrite(s.name, metrics.WriteQuiet)
		return nil
	}
	metrics.RecordStoreWrite(s.name, metrics.WritePut)
	s.listeners.Notify(Event[K, V]{
		Kind:        Updated,
		Key:         key,
		Value:       published,
		Previous:    previous,
		HasPrevious: hadPrevious,
	})
	return nil
}

func (s *Store[K, V]) removeLocked(key K) bool {
	s.mu.Lock()
	previous, ok := s.entries[key]
	delete(s.entries, key)
	delete(s.dirty, key)
	s.mu.Unlock()

	if !ok {
		return false
	}
	metrics.RecordStoreWrite(s.name, metrics.WriteRemove)
	s.listeners.Notify(Event[K, V]{
		Kind:        Removed,
		Key:         key,
		Value:       previous,
		Previous:    previous,
		HasPrevious: true,
	})
	return true
}

func (s *Store[K, V]) lookup(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// loadLocked runs the loader for a key whose lock is held. Nothing is cached
// when the loader fails.
func (s *Store[K, V]) loadLocked(key K) (V, error) {
	var zero V
	if v, ok := s.lookup(key); ok {
		return v, nil
	}
	if s.loader == nil {
		metrics.RecordLookup(s.name, metrics.LoadNotFound)
		return zero, s.notFound(key)
	}

	v, err := s.callLoader(key)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.RecordLookup(s.name, metrics.LoadNotFound)
		s.logger.Debug("Key not found in backing store", zap.Any("key", key))
		return zero, s.notFound(key)
	case err != nil:
		metrics.RecordLookup(s.name, metrics.LoadFailed)
		s.logger.Error("Failed to load key", zap.Any("key", key), zap.Error(err))
		return zero, s.notFound(key)
	case isNil(v):
		metrics.RecordLookup(s.name, metrics.LoadNotFound)
		return zero, s.notFound(key)
	case v.CacheKey() != key:
		metrics.RecordLookup(s.name, metrics.LoadFailed)
		s.logger.Error("Loader returned a value for another key",
			zap.Any("key", key),
			zap.Any("loaded_key", v.CacheKey()),
		)
		return zero, s.notFound(key)
	}

	s.mu.Lock()
	s.entries[key] = v
	s.mu.Unlock()
	metrics.RecordLookup(s.name, metrics.LoadLoaded)
	return v, nil
}

func (s *Store[K, V]) callLoader(key K) (v V, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("loader panicked: %v", rec)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()
	return s.loader.LoadByID(ctx, key)
}

func (s *Store[K, V]) checkKey(key K) error {
	var zero K
	if key == zero {
		return fmt.Errorf("%w: %s: zero key", ErrInvalidArgument, s.name)
	}
	return nil
}

func (s *Store[K, V]) checkWrite(key K, value V) error {
	if err := s.checkKey(key); err != nil {
		return err
	}
	if isNil(value) {
		return fmt.Errorf("%w: %s %v: nil value", ErrInvalidArgument, s.name, key)
	}
	if value.CacheKey() != key {
		return fmt.Errorf("%w: %s %v: value carries key %v", ErrInvalidArgument, s.name, key, value.CacheKey())
	}
	return nil
}

func (s *Store[K, V]) notFound(key K) error {
	return fmt.Errorf("%s %v: %w", s.name, key, ErrNotFound)
}

func (s *Store[K, V]) lockTimeout(key K) error {
	s.logger.Error("Key lock not acquired", zap.Any("key", key))
	return fmt.Errorf("%s %v: %w", s.name, key, ErrLockTimeout)
}

func (s *Store[K, V]) tryLock(key any) bool {
	return s.locks.TryLock(key.(K))
}

func (s *Store[K, V]) unlock(key any) {
	s.locks.Unlock(key.(K))
}

func (s *Store[K, V]) compareKeys(a, b any) int {
	return cmp.Compare(a.(K), b.(K))
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
