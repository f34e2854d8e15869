package dli

import (
	"fmt"

	"github.com/S0me0neR0man/dlistash/internal/codec"
)

// Code DL/I call function
type Code string

const (
	GU   Code = "GU"
	GN   Code = "GN"
	GNP  Code = "GNP"
	GHU  Code = "GHU"
	GHN  Code = "GHN"
	GHNP Code = "GHNP"
	REPL Code = "REPL"
	DLET Code = "DLET"
	ISRT Code = "ISRT"
)

// retrieval returns the navigation a get or get hold call performs
func (c Code) retrieval() (Code, bool) {
	switch c {
	case GU, GHU:
		return GU, true
	case GN, GHN:
		return GN, true
	case GNP, GHNP:
		return GNP, true
	}
	return "", false
}

// IOArea caller side buffer. ISRT and REPL read Raw when set, otherwise Fields
// of Overlay (default overlay when empty) patched over the segment bytes.
type IOArea struct {
	Overlay string
	Fields  codec.Values
	Raw     []byte
}

// Call one DL/I request against a PCB, by label or "#n"
type Call struct {
	Code Code
	PCB  string
	SSAs []SSA
	IO   IOArea
}

func (c Call) String() string {
	return fmt.Sprintf("%s %s %v", c.Code, c.PCB, c.SSAs)
}

// SegmentView a retrieved segment. Type is the discriminant callers
// dispatch on, Views holds every overlay that decodes.
type SegmentView struct {
	Type  string
	Level int
	ID    uint64
	// Key concatenated keys from the root down to this segment
	Key   []byte
	Raw   []byte
	Views codec.Views
}

// Result status of a call plus the segment for retrieval and insert calls.
// Err keeps the underlying cause of non navigation statuses.
type Result struct {
	Status  Status
	Segment *SegmentView
	Err     error
}

// State cursor state of a PCB
type State int

const (
	Unpositioned State = iota
	PositionedAt
	AtEndOfDatabase
)

func (s State) String() string {
	switch s {
	case PositionedAt:
		return "PositionedAt"
	case AtEndOfDatabase:
		return "EndOfDatabase"
	}
	return "Unpositioned"
}

// PathStep one level of a cursor position
type PathStep struct {
	Type string
	ID   uint64
	Key  []byte
}

// Position snapshot of a PCB cursor
type Position struct {
	State State
	Path  []PathStep
	// Parentage segment GNP walks the children of, nil when not set
	Parentage []PathStep
}
