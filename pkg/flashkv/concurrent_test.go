package flashkv

import (
	"fmt"
	"testing"

	"github.com/i5heu/ouroboros-flashkv/internal/testutil"
	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	workerpool "github.com/i5heu/ouroboros-flashkv/pkg/workerPool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// workload runs the same operations on a fresh device and returns its
// final image.
func workload(geo flash.Geometry) ([]byte, error) {
	mem := flash.NewMemory(geo)
	s, err := New(mem, Config{Geometry: geo, ChecksumMode: codec.Chained, Logger: quietLogger()})
	if err != nil {
		return nil, err
	}
	if _, err := s.Initialise(hasher.NewPair()); err != nil {
		return nil, err
	}

	buf := make([]byte, 64)
	for round := 0; round < 4; round++ {
		for i := 0; i < 40; i++ {
			key := []byte(fmt.Sprintf("%d/%d", round, i))
			if _, err := s.AppendKey(hasher.New(), key, value(i, byte(round))); err != nil {
				return nil, fmt.Errorf("append %s: %w", key, err)
			}
		}
		for i := 0; i < 40; i++ {
			key := []byte(fmt.Sprintf("%d/%d", round, i))
			n, err := s.GetKey(hasher.New(), key, buf)
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			if n != i {
				return nil, fmt.Errorf("get %s: %d bytes, want %d", key, n, i)
			}
			if _, err := s.InvalidateKey(hasher.New(), key); err != nil {
				return nil, fmt.Errorf("invalidate %s: %w", key, err)
			}
		}
		if _, err := s.GarbageCollect(); err != nil {
			return nil, fmt.Errorf("garbage collect: %w", err)
		}
	}
	return mem.Snapshot(), nil
}

func TestIndependentStoresRunConcurrently(t *testing.T) {
	geo := flash.Geometry{RegionSize: 512, RegionCount: 8}
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 8})
	defer wp.Close()
	room := wp.CreateRoom()

	devices := 32
	if testutil.IsLongEnabled() {
		devices = 512
	}
	for i := 0; i < devices; i++ {
		_, err := room.NewTaskWaitForFreeSlot(func() (interface{}, error) {
			return workload(geo)
		})
		require.NoError(t, err)
	}

	outcomes := room.Collect()
	require.Len(t, outcomes, devices)
	require.NoError(t, room.Err())
	first := outcomes[0].Value.([]byte)
	for _, o := range outcomes[1:] {
		assert.Equal(t, first, o.Value.([]byte), "device %d", o.Index)
	}
}
