package bus

// PortMap is the collection of routing-decision functions that spec §6
// says are "injected at construction": which LLC slice owns a line, which
// memory node backs it, and how to translate between a requester's bus
// port and its dense core index. A concrete topology (N cores, M LLC
// slices, K memory nodes) builds one of these and hands it to every
// component.
type PortMap struct {
	// RequesterPorts[i] is the bus port of core/DMA-agent i.
	RequesterPorts []Port
	// LLCSlicePorts[s] is the bus port of NUCA slice s.
	LLCSlicePorts []Port
	// MemNodePorts[k] is the bus port of memory node k.
	MemNodePorts []Port

	requesterIndex map[Port]int
}

// NewPortMap builds a PortMap from the three port lists and derives the
// reverse lookup used by RequesterIndex.
func NewPortMap(requesters, llcSlices, memNodes []Port) *PortMap {
	pm := &PortMap{
		RequesterPorts: append([]Port(nil), requesters...),
		LLCSlicePorts:  append([]Port(nil), llcSlices...),
		MemNodePorts:   append([]Port(nil), memNodes...),
		requesterIndex: make(map[Port]int, len(requesters)),
	}
	for i, p := range requesters {
		pm.requesterIndex[p] = i
	}
	return pm
}

// HomeNodePort decides which LLC slice owns a line: NUCA sharding assigns
// line L to slice L mod N (spec §4.3).
func (pm *PortMap) HomeNodePort(line LineIndex) Port {
	n := len(pm.LLCSlicePorts)
	return pm.LLCSlicePorts[uint64(line)%uint64(n)]
}

// SliceIndex returns which NUCA slice index a line belongs to, used by a
// slice to assert it is the responsible owner on receipt (spec §4.3).
func (pm *PortMap) SliceIndex(line LineIndex) int {
	n := len(pm.LLCSlicePorts)
	return int(uint64(line) % uint64(n))
}

// SubNodePort decides which memory node backs a line, sharding by line
// index modulo node count (spec §4.4).
func (pm *PortMap) SubNodePort(line LineIndex) Port {
	n := len(pm.MemNodePorts)
	return pm.MemNodePorts[uint64(line)%uint64(n)]
}

// RequesterPort maps a dense core/DMA-agent index back to its bus port.
func (pm *PortMap) RequesterPort(index int) Port {
	return pm.RequesterPorts[index]
}

// RequesterIndex is the inverse of RequesterPort, used by the LLC to turn
// an inbound message's source port into a sharer-set member.
func (pm *PortMap) RequesterIndex(port Port) (int, bool) {
	idx, ok := pm.requesterIndex[port]
	return idx, ok
}

// MemAddrMap is the per-memory-node address mapping injected per spec §6:
// an offset computation and a responsibility predicate, so several memory
// nodes can shard by line index modulo node count.
type MemAddrMap struct {
	NodeIndex int
	NodeCount int
}

// IsResponsible reports whether this memory node backs the given line.
func (m MemAddrMap) IsResponsible(line LineIndex) bool {
	return int(uint64(line)%uint64(m.NodeCount)) == m.NodeIndex
}

// LocalMemOffset returns the byte offset within this node's backing store
// for the given line. Lines are sharded round-robin, so node-local storage
// is addressed by the line's position within its residue class.
func (m MemAddrMap) LocalMemOffset(line LineIndex) uint64 {
	return (uint64(line) / uint64(m.NodeCount)) * LineBytes
}
