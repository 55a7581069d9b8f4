package canlink

import "github.com/openlcb-go/lccnode/nodeid"

// candidateAlias derives a pseudo-random 12-bit alias candidate from a
// NodeID and an attempt counter, following the approach described in
// spec.md §4.2 ("pseudo-random hash of its NodeID"). The classic
// OpenLCB reference hash folds the 48-bit NodeID down to 12 bits in
// three 16-bit XOR slices; attempt perturbs the seed so a retried
// arbitration doesn't pick the same candidate twice in a row.
func candidateAlias(node nodeid.NodeID, attempt int) nodeid.Alias {
	v := node.Uint64() ^ uint64(attempt)*0x1B0CA6537F
	hash := uint16(v&0xFFFF) ^ uint16((v>>16)&0xFFFF) ^ uint16((v>>32)&0xFFFF)
	a := nodeid.Alias(hash & nodeid.AliasMask)
	if a == 0 {
		a = 1
	}
	if a == nodeid.AliasReserved {
		a--
	}
	return a
}
