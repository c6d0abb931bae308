package pt

// Version is the library version.
type Version struct {
	Major    uint8
	Minor    uint8
	Reserved uint16
	Build    uint32
	Ext      string
}

// LibraryVersion returns the library version.
func LibraryVersion() Version {
	return Version{
		Major: 1,
		Minor: 0,
		Build: 0,
	}
}
