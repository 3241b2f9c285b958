package ofp

import "encoding/binary"

// HelloElemType identifies a Hello message element, per spec.md §4.1.
type HelloElemType uint16

const (
	HelloElemVersionBitmap HelloElemType = 1
)

// VersionBitmap is the decoded form of an OFPHET_VERSIONBITMAP Hello
// element: the set of wire protocol versions the sender supports, per
// spec.md §4.1 ("The Hello sender emits a version bitmap listing locally
// supported versions").
type VersionBitmap struct {
	Versions map[Version]bool
}

// NewVersionBitmap builds a bitmap from a set of supported versions.
func NewVersionBitmap(versions ...Version) VersionBitmap {
	vb := VersionBitmap{Versions: make(map[Version]bool, len(versions))}
	for _, v := range versions {
		vb.Versions[v] = true
	}
	return vb
}

// Highest returns the greatest version present, and whether any is set.
func (vb VersionBitmap) Highest() (Version, bool) {
	var max Version
	found := false
	for v := range vb.Versions {
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}

// CommonWith returns the highest version present in both bitmaps, per
// spec.md §8 property 3: "the negotiated version equals max(local ∩ peer)
// when non-empty".
func (vb VersionBitmap) CommonWith(other VersionBitmap) (Version, bool) {
	var max Version
	found := false
	for v := range vb.Versions {
		if other.Versions[v] && (!found || v > max) {
			max = v
			found = true
		}
	}
	return max, found
}

// EncodeVersionBitmapElement encodes the bitmap as an OFPHET_VERSIONBITMAP
// element body: a type/length header followed by one uint32 per 32 versions,
// bit N set iff version N is supported (bit 0 of word 0 is reserved/unused
// per the OpenFlow spec, since version 0 is not a valid wire version).
func EncodeVersionBitmapElement(vb VersionBitmap) []byte {
	var maxV Version
	for v := range vb.Versions {
		if v > maxV {
			maxV = v
		}
	}
	words := int(maxV)/32 + 1
	body := make([]byte, words*4)
	for v := range vb.Versions {
		word := int(v) / 32
		bit := uint(v) % 32
		binary.BigEndian.PutUint32(body[word*4:word*4+4],
			binary.BigEndian.Uint32(body[word*4:word*4+4])|(1<<bit))
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint16(out[0:2], uint16(HelloElemVersionBitmap))
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(body)))
	copy(out[4:], body)
	return out
}

// DecodeVersionBitmapElement parses an OFPHET_VERSIONBITMAP element body
// (excluding the 4-byte type/length header, which the caller has already
// consumed) into a VersionBitmap.
func DecodeVersionBitmapElement(body []byte) VersionBitmap {
	vb := VersionBitmap{Versions: make(map[Version]bool)}
	for word := 0; word+4 <= len(body); word += 4 {
		bits := binary.BigEndian.Uint32(body[word : word+4])
		for bit := 0; bit < 32; bit++ {
			if bits&(1<<uint(bit)) != 0 {
				vb.Versions[Version(word/4*32+bit)] = true
			}
		}
	}
	return vb
}

// NegotiateVersion implements spec.md §4.1/§8-property-3: if the peer's
// declared header version matches localVersion, use it. Otherwise, if the
// peer announced a VersionBitmap, the highest version common to both wins.
// Absent a bitmap, only the declared header version is considered (spec.md
// §6). Returns false when negotiation fails.
func NegotiateVersion(localVersion Version, local VersionBitmap, peerHeaderVersion Version, peerBitmap *VersionBitmap) (Version, bool) {
	if peerHeaderVersion == localVersion {
		return localVersion, true
	}
	if peerBitmap == nil {
		return VersionUnknown, false
	}
	return local.CommonWith(*peerBitmap)
}
