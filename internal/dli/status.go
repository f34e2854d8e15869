package dli

import (
	"context"
	"errors"

	"github.com/S0me0neR0man/dlistash/internal/codec"
	"github.com/S0me0neR0man/dlistash/internal/layout"
	"github.com/S0me0neR0man/dlistash/internal/metadata"
	"github.com/S0me0neR0man/dlistash/internal/segstore"
)

// Status outcome of one call
type Status int

const (
	OK Status = iota
	EndOfDatabase
	SegmentNotFound
	NotPositioned
	AccessDenied
	InvalidSegmentType
	StorageUnavailable
	LockTimeout
	KeyFieldChanged
	DependentsExist
	UpdateConflict
	DuplicateSegment
	LayoutMismatch
	InvalidCall
	InvalidSSA
)

var statusNames = [...]string{
	OK:                 "OK",
	EndOfDatabase:      "EndOfDatabase",
	SegmentNotFound:    "SegmentNotFound",
	NotPositioned:      "NotPositioned",
	AccessDenied:       "AccessDenied",
	InvalidSegmentType: "InvalidSegmentType",
	StorageUnavailable: "StorageUnavailable",
	LockTimeout:        "LockTimeout",
	KeyFieldChanged:    "KeyFieldChanged",
	DependentsExist:    "DependentsExist",
	UpdateConflict:     "UpdateConflict",
	DuplicateSegment:   "DuplicateSegment",
	LayoutMismatch:     "LayoutMismatch",
	InvalidCall:        "InvalidCall",
	InvalidSSA:         "InvalidSSA",
}

// two character PCB status codes
var statusCodes = [...]string{
	OK:                 "  ",
	EndOfDatabase:      "GB",
	SegmentNotFound:    "GE",
	NotPositioned:      "GP",
	AccessDenied:       "AM",
	InvalidSegmentType: "AJ",
	StorageUnavailable: "AO",
	LockTimeout:        "BA",
	KeyFieldChanged:    "DA",
	DependentsExist:    "DX",
	UpdateConflict:     "BB",
	DuplicateSegment:   "II",
	LayoutMismatch:     "V1",
	InvalidCall:        "AD",
	InvalidSSA:         "AC",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Status(?)"
	}
	return statusNames[s]
}

// Code IMS status code as placed in the PCB, blanks for OK
func (s Status) Code() string {
	if s < 0 || int(s) >= len(statusCodes) {
		return "??"
	}
	return statusCodes[s]
}

// ParseStatus reverses String
func ParseStatus(name string) (Status, bool) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), true
		}
	}
	return 0, false
}

// Fault reports storage side statuses the caller may retry later
func (s Status) Fault() bool {
	return s == StorageUnavailable || s == LockTimeout
}

var (
	ErrUnknownCall   = errors.New("unknown call code")
	ErrProgramClosed = errors.New("program closed")
	ErrBadSSA        = errors.New("bad segment search argument")
	ErrBadIOArea     = errors.New("bad io area")
	ErrAccessDenied  = errors.New("processing option does not allow call")
	ErrKeyChanged    = errors.New("key field changed")
)

// statusOf classifies an error raised while executing a call
func statusOf(err error) Status {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, segstore.ErrLockTimeout):
		return LockTimeout
	case errors.Is(err, segstore.ErrUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StorageUnavailable
	case errors.Is(err, segstore.ErrVersionConflict):
		return UpdateConflict
	case errors.Is(err, segstore.ErrHasDependents):
		return DependentsExist
	case errors.Is(err, segstore.ErrDuplicateKey):
		return DuplicateSegment
	case errors.Is(err, segstore.ErrNotFound), errors.Is(err, segstore.ErrParentNotFound):
		return SegmentNotFound
	case errors.Is(err, metadata.ErrUnknownSegmentType):
		return InvalidSegmentType
	case errors.Is(err, metadata.ErrNotSensitive), errors.Is(err, ErrAccessDenied):
		return AccessDenied
	case errors.Is(err, ErrKeyChanged):
		return KeyFieldChanged
	case errors.Is(err, codec.ErrLayoutMismatch):
		return LayoutMismatch
	case errors.Is(err, ErrBadSSA):
		return InvalidSSA
	case errors.Is(err, ErrUnknownCall), errors.Is(err, ErrProgramClosed),
		errors.Is(err, ErrBadIOArea), errors.Is(err, metadata.ErrUnknownPCB),
		errors.Is(err, layout.ErrUnknownOverlay), errors.Is(err, layout.ErrUnknownField),
		errors.Is(err, codec.ErrInvalidDecimal), errors.Is(err, codec.ErrValueOverflow),
		errors.Is(err, codec.ErrPrecisionLoss), errors.Is(err, codec.ErrFieldType):
		return InvalidCall
	}
	return StorageUnavailable
}
