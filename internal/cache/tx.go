package cache

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// lockable is the part of a store a transaction needs.
type lockable interface {
	Name() string
	tryLock(key any) bool
	unlock(key any)
	compareKeys(a, b any) int
}

// KeyRef names one key of one store. Build it with Store.Ref.
type KeyRef struct {
	store lockable
	key   any
}

func (r KeyRef) String() string {
	if r.store == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s/%v", r.store.Name(), r.key)
}

// Tx holds the key locks of one unit of work. It is only valid inside the
// function passed to Execute and must not be shared between goroutines.
type Tx struct {
	held     map[lockable]map[any]struct{}
	acquired []KeyRef
	done     bool
}

func newTx() *Tx {
	return &Tx{held: make(map[lockable]map[any]struct{})}
}

// Holds reports whether the transaction owns the lock of ref.
func (tx *Tx) Holds(ref KeyRef) bool {
	keys, ok := tx.held[ref.store]
	if !ok {
		return false
	}
	_, ok = keys[ref.key]
	return ok
}

func (tx *Tx) acquire(ref KeyRef) error {
	if tx == nil || tx.done {
		return fmt.Errorf("%w: transaction not active", ErrInvalidArgument)
	}
	if tx.Holds(ref) {
		return nil
	}
	if !ref.store.tryLock(ref.key) {
		return fmt.Errorf("%s: %w", ref, ErrLockTimeout)
	}
	keys, ok := tx.held[ref.store]
	if !ok {
		keys = make(map[any]struct{})
		tx.held[ref.store] = keys
	}
	keys[ref.key] = struct{}{}
	tx.acquired = append(tx.acquired, ref)
	return nil
}

func (tx *Tx) release() {
	for i := len(tx.acquired) - 1; i >= 0; i-- {
		ref := tx.acquired[i]
		ref.store.unlock(ref.key)
	}
	tx.acquired = nil
	tx.held = nil
	tx.done = true
}

// Executor runs units of work under key locks.
//
// There is no rollback: writes issued before work returns an error (or
// panics) stay in place. Units of work should validate first and write last.
type Executor struct {
	logger *zap.Logger
}

// NewExecutor creates an executor.
func NewExecutor(logger *zap.Logger) *Executor {
	return &Executor{logger: logger}
}

// Execute locks refs in canonical order (store name, then key), runs work and
// releases every lock the unit acquired, including locks taken lazily by the
// *Tx store methods inside work.
func (e *Executor) Execute(refs []KeyRef, work func(tx *Tx) error) error {
	tx := newTx()
	defer tx.release()

	for _, ref := range canonicalOrder(refs) {
		if err := tx.acquire(ref); err != nil {
			e.logger.Error("Failed to lock transaction keys",
				zap.Stringer("key", ref),
				zap.Int("keys", len(refs)),
				zap.Error(err),
			)
			return err
		}
	}
	return work(tx)
}

// ExecuteResult is Execute for units of work that produce a value.
func ExecuteResult[T any](e *Executor, refs []KeyRef, work func(tx *Tx) (T, error)) (T, error) {
	var result T
	err := e.Execute(refs, func(tx *Tx) error {
		var err error
		result, err = work(tx)
		return err
	})
	return result, err
}

// canonicalOrder sorts refs and drops duplicates so that two units of work
// needing the same keys lock them in the same order.
func canonicalOrder(refs []KeyRef) []KeyRef {
	out := make([]KeyRef, 0, len(refs))
	for _, ref := range refs {
		if ref.store != nil {
			out = append(out, ref)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return compareRefs(out[i], out[j]) < 0
	})

	deduped := make([]KeyRef, 0, len(out))
	for _, ref := range out {
		if n := len(deduped); n > 0 && compareRefs(deduped[n-1], ref) == 0 {
			continue
		}
		deduped = append(deduped, ref)
	}
	return deduped
}

func compareRefs(a, b KeyRef) int {
	if a.store.Name() != b.store.Name() {
		if a.store.Name() < b.store.Name() {
			return -1
		}
		return 1
	}
	return a.store.compareKeys(a.key, b.key)
}
