package ext4

import (
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// xattrPrefix is one row of the standard ext4 xattr name-prefix table
// (§4.C: "canonicalised into (prefix-index, suffix) pairs"). Index 0 is
// reserved for "no prefix" (the full name is stored verbatim).
type xattrPrefix struct {
	index  uint8
	prefix string
}

var xattrPrefixTable = []xattrPrefix{
	{1, "user."},
	{4, "trusted."},
	{6, "security."},
	{7, "system."},
}

// reservedXattrName is never surfaced via the reader's enumeration (§4.C).
const reservedXattrName = "system.data"

func canonicalizeXattrName(name string) (index uint8, suffix string) {
	best := xattrPrefix{0, ""}
	for _, p := range xattrPrefixTable {
		if len(p.prefix) > len(best.prefix) && hasPrefix(name, p.prefix) {
			best = p
		}
	}
	if best.index == 0 {
		return 0, name
	}
	return best.index, name[len(best.prefix):]
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func decanonicalizeXattrName(index uint8, suffix string) string {
	for _, p := range xattrPrefixTable {
		if p.index == index {
			return p.prefix + suffix
		}
	}
	return suffix
}

// encodeXattrs lays out xattrs into a fixed-size region (96 bytes
// for the inode's inline area, or one filesystem block for an external
// xattr block — see EncodeXattrBlock). headerSize is 4 for the in-inode
// form (just h_magic) or xattrHeaderSize for an external block. Returns
// (buf, true) on success, or (nil, false) if the attributes do not fit,
// signalling the caller to fall back to the larger representation.
func encodeXattrs(xattrs map[string]string, size, headerSize int) ([]byte, bool) {
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], xattrMagic)

	names := sortedXattrNames(xattrs)

	entryOff := headerSize
	valueEnd := size

	for _, name := range names {
		if name == reservedXattrName {
			continue
		}
		value := xattrs[name]
		index, suffix := canonicalizeXattrName(name)

		entryLen := alignUp4(xattrEntrySize + len(suffix))
		valueLen := alignUp4(len(value))

		if entryOff+entryLen+ /* leave room for the zero end-entry */ 4 > valueEnd-valueLen {
			return nil, false
		}
		valueEnd -= valueLen
		copy(buf[valueEnd:valueEnd+len(value)], value)

		e := buf[entryOff : entryOff+entryLen]
		e[0] = uint8(len(suffix))
		e[1] = index
		binary.LittleEndian.PutUint16(e[2:4], uint16(valueEnd))
		binary.LittleEndian.PutUint32(e[4:8], 0) // e_value_block: 0 == stored in this block
		binary.LittleEndian.PutUint32(e[8:12], uint32(len(value)))
		binary.LittleEndian.PutUint32(e[12:16], 0) // e_hash
		copy(e[xattrEntrySize:], suffix)

		entryOff += entryLen
	}
	return buf, true
}

// EncodeInlineXattrs encodes xattrs for the inode's 96-byte inline region.
func EncodeInlineXattrs(xattrs map[string]string) ([]byte, bool) {
	if len(xattrs) == 0 {
		return nil, true
	}
	return encodeXattrs(xattrs, InlineXattrSize, 4)
}

// EncodeXattrBlock encodes xattrs into a dedicated filesystem block, with
// a CRC32 checksum trailer stored in the block header (§6: "xattr block
// 4096 bytes with a checksum trailer").
func EncodeXattrBlock(xattrs map[string]string, blockSize int) ([]byte, bool) {
	buf, ok := encodeXattrs(xattrs, blockSize, xattrHeaderSize)
	if !ok {
		return nil, false
	}
	binary.LittleEndian.PutUint32(buf[4:8], 1) // h_refcount
	binary.LittleEndian.PutUint32(buf[8:12], 1) // h_blocks
	sum := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[16:20], sum) // h_checksum
	return buf, true
}

// DecodeXattrs parses an inline (headerSize=4) or external-block
// (headerSize=xattrHeaderSize) xattr region back into a name->value map.
// "system.data" is never surfaced (§4.C).
func DecodeXattrs(buf []byte, headerSize int) (map[string]string, error) {
	if len(buf) < headerSize+4 {
		return nil, nil
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != xattrMagic {
		return nil, nil
	}
	out := map[string]string{}
	off := headerSize
	for off+xattrEntrySize <= len(buf) {
		nameLen := int(buf[off])
		if nameLen == 0 {
			break
		}
		index := buf[off+1]
		valueOffs := int(binary.LittleEndian.Uint16(buf[off+2 : off+4]))
		valueSize := int(binary.LittleEndian.Uint32(buf[off+8 : off+12]))

		entryLen := alignUp4(xattrEntrySize + nameLen)
		if off+entryLen > len(buf) {
			return nil, rterrors.New(rterrors.Format, "corrupt xattr entry: truncated name")
		}
		suffix := string(buf[off+xattrEntrySize : off+xattrEntrySize+nameLen])
		name := decanonicalizeXattrName(index, suffix)

		if valueOffs+valueSize > len(buf) {
			return nil, rterrors.New(rterrors.Format, "corrupt xattr entry: value out of range")
		}
		if name != reservedXattrName {
			out[name] = string(buf[valueOffs : valueOffs+valueSize])
		}
		off += entryLen
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func alignUp4(n int) int { return (n + 3) &^ 3 }

func sortedXattrNames(xattrs map[string]string) []string {
	names := make([]string, 0, len(xattrs))
	for k := range xattrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
