// Package keys derives DynamoDB partition and sort keys for the tree table.
package keys

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// ItemPrefix prefixes the sort key of item rows inside a scope partition.
	ItemPrefix = "item#"

	// ScopeHeaderSK is the sort key of a scope's header row.
	ScopeHeaderSK = "#scope"

	// LocatorSK is the sort key of an item's locator row.
	LocatorSK = "#loc"

	// CounterPK/CounterSK address the id sequence row.
	CounterPK = "#counter"
	CounterSK = "item_id"

	rootScope = "scope#root"
)

// ScopePK returns the partition key holding every item whose parent is parent.
// All siblings share one partition so a scope read is a single consistent Query.
func ScopePK(parent *int64) string {
	if parent == nil {
		return rootScope
	}
	return fmt.Sprintf("scope#%d", *parent)
}

// ItemSK returns the sort key of an item row. Ids are zero-padded so rows sort
// by id within a partition.
func ItemSK(id int64) string {
	return fmt.Sprintf("%s%020d", ItemPrefix, id)
}

// LocatorPK returns the partition key of the row that records which scope an
// item currently lives in.
func LocatorPK(id int64) string {
	return fmt.Sprintf("loc#%d", id)
}

// ParseLocatorPK extracts the id from a LocatorPK value.
func ParseLocatorPK(pk string) (int64, bool) {
	rest, ok := strings.CutPrefix(pk, "loc#")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// LockPK returns the partition key of a scope lock lease.
func LockPK(scope string) string {
	return "lock#" + scope
}
