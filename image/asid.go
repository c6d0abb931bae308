package image

// NoCR3 is the unknown CR3 value. An address-space identifier carrying it
// matches any other address-space identifier, whatever its CR3.
const NoCR3 = ^uint64(0)

// ASID is an address space identifier. The traced image indexes sections by
// ASID and virtual address range.
type ASID struct {
	// CR3 is the page-table root of the address space, or NoCR3 if it is
	// not known.
	CR3 uint64
}

// UnknownASID returns an address space identifier with an unknown CR3.
func UnknownASID() ASID {
	return ASID{CR3: NoCR3}
}

// Matches reports whether two address space identifiers select the same
// address space. An unknown CR3 on either side matches.
func (a ASID) Matches(b ASID) bool {
	if a.CR3 == NoCR3 || b.CR3 == NoCR3 {
		return true
	}
	return a.CR3 == b.CR3
}
