package moesi

// DirEntry is the LLC's per-line directory record: which requesters hold a
// copy, which one (if any) is the designated owner, and whether that
// owner's copy is dirty relative to the backing LLC/memory data. Absence of
// a DirEntry for a line means no L1 holds it (spec §3's "directory absent"
// case) — the LLC's own data array is then the sole authority for that
// line's contents.
type DirEntry struct {
	Sharers map[int]struct{} // requester indices, not bus ports
	Owner   int              // valid iff HasOwner
	HasOwner bool
	Dirty   bool
}

// NewDirEntry returns an empty directory entry (no sharers, no owner).
func NewDirEntry() DirEntry {
	return DirEntry{Sharers: make(map[int]struct{})}
}

// AddSharer records requester as holding a (Shared or better) copy.
func (d *DirEntry) AddSharer(requester int) {
	d.Sharers[requester] = struct{}{}
}

// RemoveSharer drops requester from the sharer set, clearing ownership if
// it was the owner.
func (d *DirEntry) RemoveSharer(requester int) {
	delete(d.Sharers, requester)
	if d.HasOwner && d.Owner == requester {
		d.HasOwner = false
		d.Dirty = false
	}
}

// SetOwner designates requester as the exclusive/modified/owned holder. An
// owner is always also a sharer — spec §8 invariant 2.
func (d *DirEntry) SetOwner(requester int, dirty bool) {
	d.AddSharer(requester)
	d.Owner = requester
	d.HasOwner = true
	d.Dirty = dirty
}

// ClearOwner demotes the directory to having no distinguished owner,
// without touching sharer membership (used when an O-state owner's data is
// written back but other sharers remain in S).
func (d *DirEntry) ClearOwner() {
	d.HasOwner = false
	d.Dirty = false
}

// Empty reports whether the entry tracks no sharers at all, i.e. it is
// safe to drop from the directory block entirely.
func (d *DirEntry) Empty() bool {
	return len(d.Sharers) == 0
}

// SharerCount reports how many ports are in the sharer set.
func (d *DirEntry) SharerCount() int {
	return len(d.Sharers)
}

// SharerList returns the sharer set as a slice, order unspecified, used
// when fanning out Invalidate messages for a GetM.
func (d *DirEntry) SharerList() []int {
	out := make([]int, 0, len(d.Sharers))
	for r := range d.Sharers {
		out = append(out, r)
	}
	return out
}

// SharerListExcept is SharerList with one requester (typically the
// requester of the in-flight GetM itself) excluded.
func (d *DirEntry) SharerListExcept(except int) []int {
	out := make([]int, 0, len(d.Sharers))
	for r := range d.Sharers {
		if r != except {
			out = append(out, r)
		}
	}
	return out
}

// CheckInvariants panics with a ProtocolInvariant if this entry violates
// the universal directory invariants from spec §8: an owner must also be a
// sharer, and a dirty flag implies an owner exists.
func (d *DirEntry) CheckInvariants(line LineIndex) {
	if d.HasOwner {
		if _, ok := d.Sharers[d.Owner]; !ok {
			invariantf("directory", "owner not in sharer set", "line=%d owner=%d", line, d.Owner)
		}
	}
	if d.Dirty && !d.HasOwner {
		invariantf("directory", "dirty with no owner", "line=%d", line)
	}
}
