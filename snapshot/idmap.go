package snapshot

import "os"

// IDMap maps one contiguous range of host IDs to IDs recorded in image
// layers. This is the user-namespace-style remapping that lets an
// unprivileged build record root-owned files without ever calling
// chown: ownership is rewritten in tar headers, never on disk.
type IDMap struct {
	// HostID is the first host ID of the range.
	HostID int

	// MappedID is the first recorded ID of the range.
	MappedID int

	// Size is the number of IDs in the range.
	Size int
}

// IDMappings holds the UID and GID remapping tables applied when layer
// headers are written. The zero value is the identity mapping.
type IDMappings struct {
	UIDs []IDMap
	GIDs []IDMap
}

// RootMappings returns mappings that record files created by the
// current user as root-owned, mirroring how a rootless user namespace
// presents the build user as UID 0 inside the build.
func RootMappings() IDMappings {
	return IDMappings{
		UIDs: []IDMap{{HostID: os.Getuid(), MappedID: 0, Size: 1}},
		GIDs: []IDMap{{HostID: os.Getgid(), MappedID: 0, Size: 1}},
	}
}

// MapUID translates a host UID through the table.
func (m IDMappings) MapUID(id int) int {
	return translate(m.UIDs, id)
}

// MapGID translates a host GID through the table.
func (m IDMappings) MapGID(id int) int {
	return translate(m.GIDs, id)
}

func translate(table []IDMap, id int) int {
	for _, r := range table {
		if id >= r.HostID && id < r.HostID+r.Size {
			return r.MappedID + (id - r.HostID)
		}
	}
	return id
}
