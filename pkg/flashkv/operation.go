package flashkv

import (
	"fmt"

	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

// Operation names an engine operation.
type Operation uint8

const (
	OpInitialise Operation = iota + 1
	OpAppendKey
	OpGetKey
	OpInvalidateKey
	OpZeroiseKey
	OpGarbageCollect
	OpZeroise
)

func (o Operation) String() string {
	switch o {
	case OpInitialise:
		return "initialise"
	case OpAppendKey:
		return "append_key"
	case OpGetKey:
		return "get_key"
	case OpInvalidateKey:
		return "invalidate_key"
	case OpZeroiseKey:
		return "zeroise_key"
	case OpGarbageCollect:
		return "garbage_collect"
	case OpZeroise:
		return "zeroise"
	default:
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
}

// step is the position of an operation inside its state machine. A step
// that issues a flash call records its successor before issuing it, so a
// resumed operation continues after the call instead of repeating it.
type step uint8

const (
	stepStart step = iota

	stepSearchNext
	stepSearchScan

	stepInitHeader
	stepInitEraseNext
	stepWriteHeader
	stepHeaderWritten
	stepInitScanNext
	stepInitScanRegion

	stepAppendPlace
	stepAppendWritten

	stepInvalidated

	stepGCSelect
	stepGCPlan
	stepGCCopy
	stepGCCopied
	stepGCHandedOver
	stepGCErase
	stepGCErased

	stepZeroiseEraseNext
)

// operation is the continuation of one outstanding engine call: its kind,
// the step to run next and every argument a later step needs.
type operation struct {
	kind Operation
	step step

	h       hasher.Hasher
	pair    hasher.Pair
	key     []byte
	keyHash uint64
	value   []byte
	out     []byte

	// probe order cursor around the home region
	home  int
	probe int

	// region currently held in the read buffer
	region  int
	cursor  int
	scanOff int
	objOff  int
	objLen  int
	matches int

	// garbage collection
	dst         int
	moved       int
	freeBefore  int
	erased      int
	blocked     int
	passErased  int
	passBlocked int

	done bool
	code status.Success
	n    int
	err  error
}

func (op *operation) finish(code status.Success, err error) {
	op.done = true
	op.code = code
	op.err = err
}
