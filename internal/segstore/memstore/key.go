package memstore

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

type KeyCompareResult int

const (
	KeyLessThan KeyCompareResult = -1
	KeyEqual    KeyCompareResult = 0
	KeyMoreThan KeyCompareResult = 1
)

// Key the synthetic row key. All digit stored in BigEndian notation,
// so byte order is row order.
//
// [0:4] the table number uint32
//
// [4:12] the parent segment id uint64
//
// [12:20] the seq under parent uint64
//
// seq = 0 is never assigned, so NewKey(table, parent, 0) sorts before
// every child of parent
type Key [20]byte

// NewKey make new row key
func NewKey(table uint32, parent, seq uint64) Key {
	var k Key
	binary.BigEndian.PutUint32(k[0:4], table)
	binary.BigEndian.PutUint64(k[4:12], parent)
	binary.BigEndian.PutUint64(k[12:20], seq)
	return k
}

func (k Key) Table() uint32 {
	return binary.BigEndian.Uint32(k[0:4])
}

func (k Key) Parent() uint64 {
	return binary.BigEndian.Uint64(k[4:12])
}

func (k Key) Seq() uint64 {
	return binary.BigEndian.Uint64(k[12:20])
}

// Compare compares keys byte by byte
func (k Key) Compare(other Key) KeyCompareResult {
	for i := range k {
		switch {
		case k[i] < other[i]:
			return KeyLessThan
		case k[i] > other[i]:
			return KeyMoreThan
		}
	}
	return KeyEqual
}

// String is Stringer implementation
func (k Key) String() string {
	return fmt.Sprintf("%s %s %s",
		hex.EncodeToString(k[0:4]),
		hex.EncodeToString(k[4:12]),
		hex.EncodeToString(k[12:20]),
	)
}
