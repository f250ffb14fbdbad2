// Package status holds the result vocabulary shared by the flash
// controllers, the codec and the flashkv engine.
package status

import (
	"errors"
	"fmt"
)

var (
	// Caller input.
	ErrKeyNotFound      = errors.New("flashkv: key not found")
	ErrKeyAlreadyExists = errors.New("flashkv: key already exists")
	ErrBufferTooSmall   = errors.New("flashkv: buffer too small")
	ErrObjectTooLarge   = errors.New("flashkv: object too large for a region")

	// Media. Controllers return these, the engine passes them through.
	ErrReadFail  = errors.New("flashkv: flash read failed")
	ErrWriteFail = errors.New("flashkv: flash write failed")
	ErrEraseFail = errors.New("flashkv: flash erase failed")

	// Integrity.
	ErrCorruptData      = errors.New("flashkv: corrupt data")
	ErrChecksumMismatch = errors.New("flashkv: checksum mismatch")

	// Capacity.
	ErrRegionFull = errors.New("flashkv: no region has space for the object")
	ErrFlashFull  = errors.New("flashkv: garbage collection could not reclaim any region")

	// Engine state.
	ErrNotInitialised = errors.New("flashkv: store not initialised")
	ErrBusy           = errors.New("flashkv: another operation is outstanding")
	ErrNotReady       = errors.New("flashkv: flash operation not ready")
)

// Success describes how an operation that did not fail ended.
type Success uint8

const (
	// Complete means the operation finished and nothing was written.
	Complete Success = iota
	// Written means the operation finished and changed flash.
	Written
	// Queued means the operation is waiting on an asynchronous flash call.
	Queued
)

func (s Success) String() string {
	switch s {
	case Complete:
		return "complete"
	case Written:
		return "written"
	case Queued:
		return "queued"
	default:
		return fmt.Sprintf("success(%d)", uint8(s))
	}
}

// BufferTooSmallError reports the length a GetKey buffer must have.
type BufferTooSmallError struct {
	Needed int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("%v: need %d bytes", ErrBufferTooSmall, e.Needed)
}

func (e *BufferTooSmallError) Is(target error) bool {
	return target == ErrBufferTooSmall
}

// FlashOp names the controller call that produced a NotReadyError.
type FlashOp uint8

const (
	OpRead FlashOp = iota + 1
	OpWrite
	OpErase
)

func (o FlashOp) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpErase:
		return "erase"
	default:
		return fmt.Sprintf("flashop(%d)", uint8(o))
	}
}

// NotReadyError is returned by an asynchronous controller that accepted a
// call and will report its completion later.
type NotReadyError struct {
	Op     FlashOp
	Region int
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("%v: %s of region %d pending", ErrNotReady, e.Op, e.Region)
}

func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// NotReady builds the error an asynchronous controller returns.
func NotReady(op FlashOp, region int) error {
	return &NotReadyError{Op: op, Region: region}
}

// IsMedia reports whether err came from the flash hardware.
func IsMedia(err error) bool {
	return errors.Is(err, ErrReadFail) || errors.Is(err, ErrWriteFail) || errors.Is(err, ErrEraseFail)
}
