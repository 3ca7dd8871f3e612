package lock

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// TableID is the reserved resource id used for table-level locks.
const TableID = ^uint64(0)

// Name identifies a lockable resource as a (resource class, resource id) pair.
// For row locks the class is the table id.
type Name struct {
	Class uint32
	ID    uint64
}

// TableName returns the name of the table-level lock for class.
func TableName(class uint32) Name {
	return Name{Class: class, ID: TableID}
}

// RowName returns the name of a row lock.
func RowName(table uint32, row uint64) Name {
	return Name{Class: table, ID: row}
}

// IsTable reports whether n names a table-level lock.
func (n Name) IsTable() bool {
	return n.ID == TableID
}

func (n Name) String() string {
	if n.IsTable() {
		return fmt.Sprintf("%d:*", n.Class)
	}
	return fmt.Sprintf("%d:%d", n.Class, n.ID)
}

func (n Name) hash() uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[:4], n.Class)
	binary.LittleEndian.PutUint64(buf[4:], n.ID)
	return xxhash.Sum64(buf[:])
}
