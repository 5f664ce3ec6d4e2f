package hotjit

// Fixups is the side table built during emission. It records every location
// in a code region that embeds an address-sensitive value, so relocation and
// CFI construction can find them later. Offsets are region-relative; the
// table's lifetime is tied to the region it describes.
type Fixups struct {
	// AddressImmediates are offsets of 8-byte absolute addresses embedded
	// in instructions (movabs operands, trampoline and literal slots).
	AddressImmediates []int
	// RelSites are 32-bit PC-relative displacement fields.
	RelSites []RelSite
	// Smashables are the entry offsets of smashable call sites.
	Smashables []int
	// SyncPoints are offsets where debuggers and unwinders may observe the
	// frame (recorded after native calls from stubs).
	SyncPoints []int
	// EHFrames are finalized unwind records whose covered PC must be
	// carried forward when the region moves.
	EHFrames []EHFrameFixup

	// adjusted records the relocation this table was last adjusted for.
	// Displacement fields carry no trace of having been rewritten, so
	// repeat applications are detected here rather than from the values.
	adjusted *RelocationInfo
}

// RelSite describes one PC-relative displacement: Off is the offset of the
// 4-byte field, End the offset of the first byte after the instruction
// (displacements are relative to the instruction end).
type RelSite struct {
	Off int
	End int
}

// EHFrameFixup ties an emitted .eh_frame buffer to the region it covers.
// PCOff is the offset inside Frame of the FDE's 8-byte initial-PC field.
type EHFrameFixup struct {
	Frame []byte
	PCOff int
}

func (fx *Fixups) addAddressImmediate(off int) {
	if fx != nil {
		fx.AddressImmediates = append(fx.AddressImmediates, off)
	}
}

func (fx *Fixups) addRelSite(off, end int) {
	if fx != nil {
		fx.RelSites = append(fx.RelSites, RelSite{Off: off, End: end})
	}
}

func (fx *Fixups) addSmashable(off int) {
	if fx != nil {
		fx.Smashables = append(fx.Smashables, off)
	}
}

func (fx *Fixups) addSyncPoint(off int) {
	if fx != nil {
		fx.SyncPoints = append(fx.SyncPoints, off)
	}
}

// Clone deep-copies the table. Relocation tests compare before/after states.
func (fx *Fixups) Clone() *Fixups {
	c := &Fixups{}
	c.AddressImmediates = append(c.AddressImmediates, fx.AddressImmediates...)
	c.RelSites = append(c.RelSites, fx.RelSites...)
	c.Smashables = append(c.Smashables, fx.Smashables...)
	c.SyncPoints = append(c.SyncPoints, fx.SyncPoints...)
	c.EHFrames = append(c.EHFrames, fx.EHFrames...)
	c.adjusted = fx.adjusted
	return c
}
