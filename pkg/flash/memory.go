package flash

import (
	"fmt"
	"sync/atomic"

	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

// Memory simulates NOR flash in RAM: writes AND into the existing bytes,
// erases restore Erased. It can run asynchronously, fail calls on demand
// and cut power after a number of program/erase calls.
type Memory struct {
	geo  Geometry
	data []byte

	async   bool
	pending *pendingCall

	failNext map[status.FlashOp]error

	// power cut: remaining program/erase calls, -1 when disabled
	budget int
	tear   bool

	reads  atomic.Uint64
	writes atomic.Uint64
	erases atomic.Uint64
	wear   []uint32
}

type pendingCall struct {
	op      status.FlashOp
	region  int
	offset  int
	address int
	buf     []byte
}

// Counters reports how often each controller call succeeded.
type Counters struct {
	Reads  uint64
	Writes uint64
	Erases uint64
}

// NewMemory returns an erased device.
func NewMemory(geo Geometry) *Memory {
	m := &Memory{
		geo:      geo,
		data:     make([]byte, geo.Size()),
		failNext: make(map[status.FlashOp]error),
		budget:   -1,
		wear:     make([]uint32, geo.RegionCount),
	}
	for i := range m.data {
		m.data[i] = Erased
	}
	return m
}

// NewAsyncMemory returns an erased device whose every call is deferred
// until Complete.
func NewAsyncMemory(geo Geometry) *Memory {
	m := NewMemory(geo)
	m.async = true
	return m
}

func (m *Memory) Geometry() Geometry { return m.geo }

// ReadRegion implements Controller.
func (m *Memory) ReadRegion(region, offset int, buf []byte) error {
	if m.async {
		return m.queue(&pendingCall{op: status.OpRead, region: region, offset: offset, buf: buf})
	}
	return m.read(region, offset, buf)
}

// Write implements Controller.
func (m *Memory) Write(address int, buf []byte) error {
	if m.async {
		region := 0
		if m.geo.RegionSize > 0 {
			region = address / m.geo.RegionSize
		}
		return m.queue(&pendingCall{op: status.OpWrite, region: region, address: address, buf: buf})
	}
	return m.write(address, buf)
}

// EraseRegion implements Controller.
func (m *Memory) EraseRegion(region int) error {
	if m.async {
		return m.queue(&pendingCall{op: status.OpErase, region: region})
	}
	return m.erase(region)
}

func (m *Memory) queue(c *pendingCall) error {
	if m.pending != nil {
		return fmt.Errorf("%w: %s issued while %s is pending", status.ErrBusy, c.op, m.pending.op)
	}
	m.pending = c
	return status.NotReady(c.op, c.region)
}

// Pending reports whether an asynchronous call waits for Complete.
func (m *Memory) Pending() bool {
	return m.pending != nil
}

// Complete performs the deferred call and returns its outcome, which the
// caller hands to the engine's Continue.
func (m *Memory) Complete() error {
	c := m.pending
	if c == nil {
		return fmt.Errorf("flash: no pending call")
	}
	m.pending = nil
	switch c.op {
	case status.OpRead:
		return m.read(c.region, c.offset, c.buf)
	case status.OpWrite:
		return m.write(c.address, c.buf)
	default:
		return m.erase(c.region)
	}
}

func (m *Memory) read(region, offset int, buf []byte) error {
	if err := m.injected(status.OpRead); err != nil {
		return err
	}
	if region < 0 || region >= m.geo.RegionCount || offset < 0 || offset > m.geo.RegionSize {
		return fmt.Errorf("%w: region %d offset %d out of range", status.ErrReadFail, region, offset)
	}
	start := m.geo.Address(region, offset)
	end := m.geo.Address(region+1, 0)
	copy(buf, m.data[start:end])
	m.reads.Add(1)
	return nil
}

func (m *Memory) write(address int, buf []byte) error {
	if err := m.injected(status.OpWrite); err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	if address < 0 || address+len(buf) > len(m.data) {
		return fmt.Errorf("%w: %d bytes at %#x out of range", status.ErrWriteFail, len(buf), address)
	}
	if address/m.geo.RegionSize != (address+len(buf)-1)/m.geo.RegionSize {
		return fmt.Errorf("%w: %d bytes at %#x cross a region boundary", status.ErrWriteFail, len(buf), address)
	}
	n := len(buf)
	cut := m.spend()
	if cut {
		if !m.tear {
			return fmt.Errorf("%w: power lost", status.ErrWriteFail)
		}
		n /= 2
	}
	for i := 0; i < n; i++ {
		m.data[address+i] &= buf[i]
	}
	if cut {
		return fmt.Errorf("%w: power lost after %d of %d bytes", status.ErrWriteFail, n, len(buf))
	}
	m.writes.Add(1)
	return nil
}

func (m *Memory) erase(region int) error {
	if err := m.injected(status.OpErase); err != nil {
		return err
	}
	if region < 0 || region >= m.geo.RegionCount {
		return fmt.Errorf("%w: region %d out of range", status.ErrEraseFail, region)
	}
	if m.spend() {
		return fmt.Errorf("%w: power lost", status.ErrEraseFail)
	}
	start := m.geo.Address(region, 0)
	for i := start; i < start+m.geo.RegionSize; i++ {
		m.data[i] = Erased
	}
	m.wear[region]++
	m.erases.Add(1)
	return nil
}

func (m *Memory) injected(op status.FlashOp) error {
	err, ok := m.failNext[op]
	if !ok {
		return nil
	}
	delete(m.failNext, op)
	return err
}

// spend consumes one program/erase call of the power budget and reports
// whether power is gone.
func (m *Memory) spend() bool {
	if m.budget < 0 {
		return false
	}
	if m.budget == 0 {
		return true
	}
	m.budget--
	return false
}

// FailNext makes the next call of kind op return err.
func (m *Memory) FailNext(op status.FlashOp, err error) {
	m.failNext[op] = err
}

// CutPowerAfter lets n more program/erase calls succeed and fails every
// later one. With tear set the first failing write programs half its
// bytes, which a well-behaved controller never does.
func (m *Memory) CutPowerAfter(n int, tear bool) {
	m.budget = n
	m.tear = tear
}

// RestorePower disables the power cut.
func (m *Memory) RestorePower() {
	m.budget = -1
	m.tear = false
}

// Bytes exposes the raw device contents.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Snapshot copies the raw device contents.
func (m *Memory) Snapshot() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Load replaces the device contents with img.
func (m *Memory) Load(img []byte) error {
	if len(img) != len(m.data) {
		return fmt.Errorf("flash: image of %d bytes does not match %s", len(img), m.geo)
	}
	copy(m.data, img)
	return nil
}

// Counters returns the number of successful calls so far.
func (m *Memory) Counters() Counters {
	return Counters{
		Reads:  m.reads.Load(),
		Writes: m.writes.Load(),
		Erases: m.erases.Load(),
	}
}

// Wear returns how often region has been erased.
func (m *Memory) Wear(region int) uint32 {
	return m.wear[region]
}
