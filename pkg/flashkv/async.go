package flashkv

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

// Result is the outcome of an operation run by an AsyncStore.
type Result struct {
	Op     Operation
	Status status.Success
	Err    error

	// Len is the value length for OpGetKey and the bytes freed for
	// OpGarbageCollect.
	Len int
	// Buffer is the buffer handed to GetKey.
	Buffer []byte
}

// AsyncStore runs the engine operations against a controller that answers
// calls with a status.NotReadyError and completes them later. An operation
// that hits such a call returns status.Queued; the controller's completion
// is then fed back through Continue.
type AsyncStore struct {
	store *Store

	// OnComplete, when set, receives every operation's terminal result,
	// including those of operations that never had to wait.
	OnComplete func(Result)
}

// NewAsync returns an AsyncStore for ctrl.
func NewAsync(ctrl flash.Controller, config Config) (*AsyncStore, error) {
	s, err := New(ctrl, config)
	if err != nil {
		return nil, err
	}
	return &AsyncStore{store: s}, nil
}

// Initialise formats or scans the device. A finished call reports
// status.Written when it formatted.
func (a *AsyncStore) Initialise(pair hasher.Pair) (status.Success, error) {
	res, err := a.submit(&operation{kind: OpInitialise, pair: pair, h: pair.Format})
	return res.Status, err
}

// AppendKey stores value under key, or returns status.Queued.
func (a *AsyncStore) AppendKey(h hasher.Hasher, key, value []byte) (status.Success, error) {
	res, err := a.submit(&operation{kind: OpAppendKey, h: h, key: key, value: value})
	return res.Status, err
}

// GetKey returns the value length when the lookup finished right away.
// Otherwise buf is filled by the time the Result reaches the caller.
func (a *AsyncStore) GetKey(h hasher.Hasher, key, buf []byte) (status.Success, int, error) {
	res, err := a.submit(&operation{kind: OpGetKey, h: h, key: key, out: buf})
	return res.Status, res.Len, err
}

// InvalidateKey clears the valid bit of every object stored under key.
func (a *AsyncStore) InvalidateKey(h hasher.Hasher, key []byte) (status.Success, error) {
	res, err := a.submit(&operation{kind: OpInvalidateKey, h: h, key: key})
	return res.Status, err
}

// ZeroiseKey invalidates key and zeroes its value and checksum.
func (a *AsyncStore) ZeroiseKey(h hasher.Hasher, key []byte) (status.Success, error) {
	res, err := a.submit(&operation{kind: OpZeroiseKey, h: h, key: key})
	return res.Status, err
}

// GarbageCollect returns the bytes freed when it finished right away;
// otherwise they arrive as Result.Len.
func (a *AsyncStore) GarbageCollect() (status.Success, int, error) {
	res, err := a.submit(&operation{kind: OpGarbageCollect})
	return res.Status, res.Len, err
}

// Zeroise erases the whole device and formats it again with h.
func (a *AsyncStore) Zeroise(h hasher.Hasher) (status.Success, error) {
	res, err := a.submit(&operation{kind: OpZeroise, h: h})
	return res.Status, err
}

func (a *AsyncStore) submit(op *operation) (Result, error) {
	if err := a.store.begin(op); err != nil {
		return Result{Op: op.kind, Status: status.Complete, Err: err}, err
	}
	code, err := a.store.run()
	if errors.Is(err, status.ErrNotReady) {
		return Result{Op: op.kind, Status: status.Queued}, nil
	}
	res := a.result(op, code, err)
	return res, err
}

// Continue resumes the outstanding operation once its flash call ended
// with flashErr. It reports false while the operation waits on another
// call.
func (a *AsyncStore) Continue(flashErr error) (Result, bool) {
	op := a.store.op
	if op == nil {
		err := errors.New("flashkv: continue without an outstanding operation")
		return Result{Status: status.Complete, Err: err}, true
	}
	code, err := a.store.resume(flashErr)
	if errors.Is(err, status.ErrNotReady) {
		return Result{Op: op.kind, Status: status.Queued}, false
	}
	return a.result(op, code, err), true
}

func (a *AsyncStore) result(op *operation, code status.Success, err error) Result {
	res := Result{
		Op:     op.kind,
		Status: code,
		Err:    err,
		Len:    op.n,
		Buffer: op.out,
	}
	if a.OnComplete != nil {
		a.OnComplete(res)
	}
	return res
}

// SetReadBuffer hands the engine the bytes of the region it asked to read,
// for controllers that cannot fill the buffer given to ReadRegion. Call it
// before Continue.
func (a *AsyncStore) SetReadBuffer(data []byte) error {
	if a.store.op == nil {
		return errors.New("flashkv: no operation outstanding")
	}
	if len(data) != len(a.store.buf) {
		return fmt.Errorf("flashkv: read buffer of %d bytes, region size is %d", len(data), len(a.store.buf))
	}
	copy(a.store.buf, data)
	return nil
}

// Pending reports whether an operation waits for Continue.
func (a *AsyncStore) Pending() bool {
	return a.store.op != nil
}

// Ready reports whether the store is initialised and idle.
func (a *AsyncStore) Ready() bool {
	return a.store.Ready()
}

// Geometry returns the device geometry.
func (a *AsyncStore) Geometry() flash.Geometry {
	return a.store.Geometry()
}

// Stats returns a snapshot of the region bookkeeping.
func (a *AsyncStore) Stats() Stats {
	return a.store.Stats()
}
