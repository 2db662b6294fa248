// Package rendezvous finds a partner through the broker's naming namespace
// alone: both sides derive the same candidate slot names, race to register
// them, and the loser of each race connects to the winner.
package rendezvous

import (
	"fmt"
	"hash/fnv"
	"io"
)

// SlotID derives the broker name for one rendezvous slot. It is a pure
// function of its inputs: independent clients with the same namespace and
// criteria compute identical names without communicating, which is the
// entire coordination mechanism. The criteria string is hashed so arbitrary
// user input always yields a broker-safe name.
func SlotID(namespace, criteria string, index int) string {
	h := fnv.New64a()
	io.WriteString(h, criteria)
	return fmt.Sprintf("%s-%016x-%d", namespace, h.Sum64(), index)
}
