// Package models defines the core data types shared by the storage engine:
// object identifiers, type identifiers, the TypeHandler contract user code
// implements, and the error taxonomy the engine returns.
package models

import "fmt"

// OID is a non-zero object identifier, monotonically assigned by the store
// and never reused. OID 0 is reserved and means "null reference".
type OID uint64

// NilOID is the reserved null object identifier.
const NilOID OID = 0

// Valid reports whether the oid is a legal, non-null identifier.
func (o OID) Valid() bool {
	return o != NilOID
}

func (o OID) String() string {
	return fmt.Sprintf("oid:%d", uint64(o))
}

// TID is a non-zero type identifier naming a registered TypeHandler.
// TID 0 is reserved and never assigned.
type TID uint32

// NilTID is the reserved null type identifier.
const NilTID TID = 0

func (t TID) Valid() bool {
	return t != NilTID
}

func (t TID) String() string {
	return fmt.Sprintf("tid:%d", uint32(t))
}

// ChannelID names one of the store's fixed single-writer shards.
type ChannelID uint32
