package flashkv

import (
	"testing"

	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAsync(t *testing.T, ctrl flash.Controller, geo flash.Geometry) *AsyncStore {
	t.Helper()
	a, err := NewAsync(ctrl, Config{Geometry: geo, Logger: quietLogger()})
	require.NoError(t, err)
	return a
}

// settle completes deferred flash calls until the outstanding operation
// ends.
func settle(t *testing.T, a *AsyncStore, mem *flash.Memory) Result {
	t.Helper()
	for i := 0; i < 100000; i++ {
		require.True(t, mem.Pending(), "operation waits without a pending flash call")
		res, done := a.Continue(mem.Complete())
		if done {
			return res
		}
		assert.Equal(t, status.Queued, res.Status)
	}
	t.Fatal("operation did not finish")
	return Result{}
}

func asyncInitialised(t *testing.T, geo flash.Geometry) (*AsyncStore, *flash.Memory) {
	t.Helper()
	mem := flash.NewAsyncMemory(geo)
	a := newAsync(t, mem, geo)
	code, err := a.Initialise(hasher.NewPair())
	require.NoError(t, err)
	require.Equal(t, status.Queued, code)
	res := settle(t, a, mem)
	require.NoError(t, res.Err)
	require.Equal(t, status.Written, res.Status)
	require.True(t, a.Ready())
	return a, mem
}

func TestAsyncRoundTrip(t *testing.T) {
	a, mem := asyncInitialised(t, smallGeometry)

	code, err := a.AppendKey(hasher.New(), []byte("key"), []byte("value"))
	require.NoError(t, err)
	assert.Equal(t, status.Queued, code)
	res := settle(t, a, mem)
	require.NoError(t, res.Err)
	assert.Equal(t, OpAppendKey, res.Op)
	assert.Equal(t, status.Written, res.Status)

	buf := make([]byte, 16)
	code, _, err = a.GetKey(hasher.New(), []byte("key"), buf)
	require.NoError(t, err)
	assert.Equal(t, status.Queued, code)
	res = settle(t, a, mem)
	require.NoError(t, res.Err)
	assert.Equal(t, OpGetKey, res.Op)
	assert.Equal(t, 5, res.Len)
	assert.Equal(t, "value", string(res.Buffer[:res.Len]))
}

func TestAsyncImmediateResults(t *testing.T) {
	a, _ := asyncInitialised(t, smallGeometry)

	var results []Result
	a.OnComplete = func(r Result) { results = append(results, r) }

	// No region holds objects yet, so the lookup ends without flash calls.
	code, n, err := a.GetKey(hasher.New(), []byte("missing"), make([]byte, 4))
	assert.ErrorIs(t, err, status.ErrKeyNotFound)
	assert.Equal(t, status.Complete, code)
	assert.Zero(t, n)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, status.ErrKeyNotFound)

	code, freed, err := a.GarbageCollect()
	require.NoError(t, err)
	assert.Equal(t, status.Complete, code)
	assert.Zero(t, freed)
	assert.Len(t, results, 2)
}

func TestAsyncBusy(t *testing.T) {
	a, mem := asyncInitialised(t, smallGeometry)

	code, err := a.AppendKey(hasher.New(), []byte("one"), []byte("1"))
	require.NoError(t, err)
	require.Equal(t, status.Queued, code)
	assert.True(t, a.Pending())
	assert.False(t, a.Ready())

	_, err = a.AppendKey(hasher.New(), []byte("two"), []byte("2"))
	assert.ErrorIs(t, err, status.ErrBusy)
	_, _, err = a.GetKey(hasher.New(), []byte("one"), make([]byte, 4))
	assert.ErrorIs(t, err, status.ErrBusy)

	res := settle(t, a, mem)
	require.NoError(t, res.Err)
	assert.False(t, a.Pending())

	code, err = a.AppendKey(hasher.New(), []byte("two"), []byte("2"))
	require.NoError(t, err)
	assert.Equal(t, status.Queued, code)
	require.NoError(t, settle(t, a, mem).Err)
}

func TestAsyncFlashErrorEndsOperation(t *testing.T) {
	a, mem := asyncInitialised(t, smallGeometry)

	var last Result
	a.OnComplete = func(r Result) { last = r }

	mem.FailNext(status.OpWrite, status.ErrWriteFail)
	code, err := a.AppendKey(hasher.New(), []byte("key"), []byte("value"))
	require.NoError(t, err)
	require.Equal(t, status.Queued, code)

	res := settle(t, a, mem)
	assert.ErrorIs(t, res.Err, status.ErrWriteFail)
	assert.Equal(t, OpAppendKey, res.Op)
	assert.Equal(t, res, last)
	assert.False(t, mem.Pending())
	assert.True(t, a.Ready())
}

func TestAsyncContinueWithoutOperation(t *testing.T) {
	a, _ := asyncInitialised(t, smallGeometry)
	res, done := a.Continue(nil)
	assert.True(t, done)
	assert.Error(t, res.Err)
	assert.Error(t, a.SetReadBuffer(make([]byte, smallGeometry.RegionSize)))
}

func TestAsyncNotInitialised(t *testing.T) {
	a := newAsync(t, flash.NewAsyncMemory(smallGeometry), smallGeometry)
	_, err := a.AppendKey(hasher.New(), []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, status.ErrNotInitialised)
}

// detachedReads defers every read without touching the buffer it was
// given; programs and erases complete at once.
type detachedReads struct {
	mem    *flash.Memory
	region int
	reads  int
}

func (d *detachedReads) ReadRegion(region, offset int, buf []byte) error {
	d.region = region
	d.reads++
	return status.NotReady(status.OpRead, region)
}

func (d *detachedReads) Write(address int, buf []byte) error {
	return d.mem.Write(address, buf)
}

func (d *detachedReads) EraseRegion(region int) error {
	return d.mem.EraseRegion(region)
}

func TestAsyncSetReadBuffer(t *testing.T) {
	mem := flash.NewMemory(smallGeometry)
	ctrl := &detachedReads{mem: mem}
	a := newAsync(t, ctrl, smallGeometry)

	drive := func(code status.Success, err error) Result {
		t.Helper()
		require.NoError(t, err)
		if code != status.Queued {
			return Result{Status: code}
		}
		for {
			geo := smallGeometry
			region := mem.Bytes()[geo.Address(ctrl.region, 0):geo.Address(ctrl.region+1, 0)]
			require.Error(t, a.SetReadBuffer(region[:10]))
			require.NoError(t, a.SetReadBuffer(region))
			res, done := a.Continue(nil)
			if done {
				return res
			}
		}
	}

	res := drive(a.Initialise(hasher.NewPair()))
	require.NoError(t, res.Err)
	assert.Equal(t, status.Written, res.Status)

	res = drive(a.AppendKey(hasher.New(), []byte("key"), []byte("value")))
	require.NoError(t, res.Err)

	buf := make([]byte, 8)
	code, _, err := a.GetKey(hasher.New(), []byte("key"), buf)
	res = drive(code, err)
	require.NoError(t, res.Err)
	assert.Equal(t, "value", string(buf[:res.Len]))
	assert.Positive(t, ctrl.reads)
}

// TestAsyncMatchesSync runs one sequence of operations through both
// engines and compares the resulting flash images.
func TestAsyncMatchesSync(t *testing.T) {
	geo := flash.Geometry{RegionSize: 256, RegionCount: 6}
	syncMem := flash.NewMemory(geo)
	s := openStore(t, syncMem, codec.Independent)
	asyncMem := flash.NewAsyncMemory(geo)
	a := newAsync(t, asyncMem, geo)

	type step struct {
		sync  func() (status.Success, error)
		async func() (status.Success, error)
	}
	key := func(i int) []byte { return []byte{'k', byte(i)} }
	appendStep := func(i int) step {
		return step{
			sync:  func() (status.Success, error) { return s.AppendKey(hasher.New(), key(i), value(i*3, byte(i))) },
			async: func() (status.Success, error) { return a.AppendKey(hasher.New(), key(i), value(i*3, byte(i))) },
		}
	}
	invalidateStep := func(i int) step {
		return step{
			sync:  func() (status.Success, error) { return s.InvalidateKey(hasher.New(), key(i)) },
			async: func() (status.Success, error) { return a.InvalidateKey(hasher.New(), key(i)) },
		}
	}
	gcStep := step{
		sync: func() (status.Success, error) {
			_, err := s.GarbageCollect()
			return status.Complete, err
		},
		async: func() (status.Success, error) {
			code, _, err := a.GarbageCollect()
			return code, err
		},
	}

	steps := []step{{
		sync:  func() (status.Success, error) { return s.Initialise(hasher.NewPair()) },
		async: func() (status.Success, error) { return a.Initialise(hasher.NewPair()) },
	}}
	for i := 0; i < 20; i++ {
		steps = append(steps, appendStep(i))
	}
	for i := 0; i < 20; i += 2 {
		steps = append(steps, invalidateStep(i))
	}
	steps = append(steps, gcStep)
	for i := 20; i < 30; i++ {
		steps = append(steps, appendStep(i))
	}
	steps = append(steps, appendStep(3), invalidateStep(40), gcStep)

	for i, st := range steps {
		_, syncErr := st.sync()
		code, asyncErr := st.async()
		if code == status.Queued {
			require.NoError(t, asyncErr)
			asyncErr = settle(t, a, asyncMem).Err
		}
		if syncErr == nil {
			assert.NoError(t, asyncErr, "step %d", i)
		} else {
			assert.ErrorIs(t, asyncErr, syncErr, "step %d", i)
		}
		require.Equal(t, syncMem.Snapshot(), asyncMem.Snapshot(), "step %d", i)
	}
	assert.Equal(t, s.Stats(), a.Stats())
}

// awaiter settles deferred operations of a and passes immediate results
// through.
func awaiter(t *testing.T, a *AsyncStore, mem *flash.Memory) func(status.Success, error) Result {
	return func(code status.Success, err error) Result {
		t.Helper()
		if code != status.Queued {
			return Result{Status: code, Err: err}
		}
		require.NoError(t, err)
		return settle(t, a, mem)
	}
}

func tornRegions(st Stats) int {
	n := 0
	for _, r := range st.Regions {
		if r.Torn {
			n++
		}
	}
	return n
}

func TestAsyncFailedWriteMarksRegionTorn(t *testing.T) {
	a, amem := asyncInitialised(t, smallGeometry)
	await := awaiter(t, a, amem)
	s, smem := newStore(t, smallGeometry, codec.Independent)

	_, err := s.AppendKey(hasher.New(), []byte("a"), value(10, 1))
	require.NoError(t, err)
	require.NoError(t, await(a.AppendKey(hasher.New(), []byte("a"), value(10, 1))).Err)

	smem.CutPowerAfter(0, true)
	_, err = s.AppendKey(hasher.New(), []byte("b"), value(10, 2))
	assert.ErrorIs(t, err, status.ErrWriteFail)
	smem.RestorePower()

	amem.CutPowerAfter(0, true)
	res := await(a.AppendKey(hasher.New(), []byte("b"), value(10, 2)))
	assert.ErrorIs(t, res.Err, status.ErrWriteFail)
	amem.RestorePower()

	assert.Equal(t, 1, tornRegions(a.Stats()))
	assert.Equal(t, s.Stats(), a.Stats())

	_, err = s.AppendKey(hasher.New(), []byte("b"), value(10, 3))
	require.NoError(t, err)
	res = await(a.AppendKey(hasher.New(), []byte("b"), value(10, 3)))
	require.NoError(t, res.Err)
	assert.Equal(t, status.Written, res.Status)
	assert.Equal(t, s.Stats(), a.Stats())
	assert.Equal(t, smem.Bytes(), amem.Bytes())

	code, _, err := a.GetKey(hasher.New(), []byte("b"), make([]byte, 10))
	res = await(code, err)
	require.NoError(t, res.Err)
	assert.Equal(t, value(10, 3), res.Buffer[:res.Len])
}

func TestAsyncFailedCopyMatchesSync(t *testing.T) {
	a, amem := asyncInitialised(t, smallGeometry)
	await := awaiter(t, a, amem)
	s, smem := newStore(t, smallGeometry, codec.Independent)

	for _, k := range []struct {
		key string
		id  uint64
	}{{"a", 1}, {"b", 2}} {
		v := value(10, byte(k.id))
		_, err := s.AppendKey(inRegion(smallGeometry, 1, k.id), []byte(k.key), v)
		require.NoError(t, err)
		require.NoError(t, await(a.AppendKey(inRegion(smallGeometry, 1, k.id), []byte(k.key), v)).Err)
	}
	_, err := s.InvalidateKey(inRegion(smallGeometry, 1, 1), []byte("a"))
	require.NoError(t, err)
	require.NoError(t, await(a.InvalidateKey(inRegion(smallGeometry, 1, 1), []byte("a"))).Err)

	// The first program of the collection is the copy of "b".
	smem.FailNext(status.OpWrite, status.ErrWriteFail)
	_, err = s.GarbageCollect()
	assert.ErrorIs(t, err, status.ErrWriteFail)

	amem.FailNext(status.OpWrite, status.ErrWriteFail)
	code, _, err := a.GarbageCollect()
	res := await(code, err)
	assert.ErrorIs(t, res.Err, status.ErrWriteFail)

	assert.Equal(t, 1, tornRegions(a.Stats()))
	assert.False(t, a.Stats().Regions[0].Torn)
	assert.Equal(t, s.Stats(), a.Stats())

	freed, err := s.GarbageCollect()
	require.NoError(t, err)
	code, _, err = a.GarbageCollect()
	res = await(code, err)
	require.NoError(t, res.Err)
	assert.Equal(t, freed, res.Len)
	assert.Zero(t, tornRegions(a.Stats()))
	assert.Equal(t, s.Stats(), a.Stats())
	assert.Equal(t, smem.Bytes(), amem.Bytes())

	code, _, err = a.GetKey(inRegion(smallGeometry, 1, 2), []byte("b"), make([]byte, 10))
	res = await(code, err)
	require.NoError(t, res.Err)
	assert.Equal(t, value(10, 2), res.Buffer[:res.Len])
}
