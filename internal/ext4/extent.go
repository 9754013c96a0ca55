package ext4

import (
	"encoding/binary"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// Extent maps a contiguous run of logical file blocks to a contiguous run
// of physical filesystem blocks.
type Extent struct {
	LogicalBlock  uint32
	PhysicalBlock uint64
	Length        uint16 // blocks; at most 32768 (this package never emits uninitialized extents)
}

func encodeExtentHeader(buf []byte, entries, max, depth uint16) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:2], extentMagic)
	le.PutUint16(buf[2:4], entries)
	le.PutUint16(buf[4:6], max)
	le.PutUint16(buf[6:8], depth)
	le.PutUint32(buf[8:12], 0) // generation
}

func decodeExtentHeader(buf []byte) (entries, depth uint16, ok bool) {
	le := binary.LittleEndian
	if le.Uint16(buf[0:2]) != extentMagic {
		return 0, 0, false
	}
	return le.Uint16(buf[2:4]), le.Uint16(buf[6:8]), true
}

func encodeLeafExtent(buf []byte, e Extent) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], e.LogicalBlock)
	le.PutUint16(buf[4:6], e.Length)
	le.PutUint16(buf[6:8], uint16(e.PhysicalBlock>>32))
	le.PutUint32(buf[8:12], uint32(e.PhysicalBlock))
}

func decodeLeafExtent(buf []byte) Extent {
	le := binary.LittleEndian
	hi := uint64(le.Uint16(buf[6:8]))
	lo := uint64(le.Uint32(buf[8:12]))
	return Extent{
		LogicalBlock:  le.Uint32(buf[0:4]),
		Length:        le.Uint16(buf[4:6]),
		PhysicalBlock: (hi << 32) | lo,
	}
}

func encodeIndexEntry(buf []byte, logicalBlock uint32, leaf uint64) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], logicalBlock)
	le.PutUint32(buf[4:8], uint32(leaf))
	le.PutUint16(buf[8:10], uint16(leaf>>32))
	le.PutUint16(buf[10:12], 0)
}

func decodeIndexEntry(buf []byte) (logicalBlock uint32, leaf uint64) {
	le := binary.LittleEndian
	lo := uint64(le.Uint32(buf[4:8]))
	hi := uint64(le.Uint16(buf[8:10]))
	return le.Uint32(buf[0:4]), (hi << 32) | lo
}

// maxLeafExtentsPerBlock is how many leaf extent records fit in one
// filesystem block after the header.
func maxLeafExtentsPerBlock(blockSize int) int {
	return (blockSize - extentHeaderSize) / extentEntrySize
}

// EncodeExtentTree lays out extents into a 60-byte i_block inline area.
// Extents must already be sorted by LogicalBlock and non-overlapping.
// If there are more than extentsPerInode (4) extents, a single extent
// index block is allocated via allocBlock and depth becomes 1; this
// package supports at most one level of indirection (see doc.go).
func EncodeExtentTree(extents []Extent, blockSize int, allocBlock func() (uint64, []byte, error)) ([InlineDataSize]byte, error) {
	var out [InlineDataSize]byte

	if len(extents) <= extentsPerInode {
		encodeExtentHeader(out[:extentHeaderSize], uint16(len(extents)), extentsPerInode, 0)
		off := extentHeaderSize
		for _, e := range extents {
			encodeLeafExtent(out[off:off+extentEntrySize], e)
			off += extentEntrySize
		}
		return out, nil
	}

	maxLeaf := maxLeafExtentsPerBlock(blockSize)
	if len(extents) > maxLeaf {
		return out, rterrors.New(rterrors.Format, "extent tree exceeds supported depth (too many fragments for a single index block)")
	}

	leafBlockNum, leafBuf, err := allocBlock()
	if err != nil {
		return out, err
	}
	encodeExtentHeader(leafBuf[:extentHeaderSize], uint16(len(extents)), uint16(maxLeaf), 0)
	off := extentHeaderSize
	for _, e := range extents {
		encodeLeafExtent(leafBuf[off:off+extentEntrySize], e)
		off += extentEntrySize
	}

	encodeExtentHeader(out[:extentHeaderSize], 1, extentsPerInode, 1)
	encodeIndexEntry(out[extentHeaderSize:extentHeaderSize+extentEntrySize], extents[0].LogicalBlock, leafBlockNum)
	return out, nil
}

// DecodeExtentTree walks a 60-byte i_block inline area (and, for depth 1,
// the single referenced index block read via readBlock) back into an
// ordered extent list.
func DecodeExtentTree(inlineBlock [InlineDataSize]byte, readBlock func(uint64) ([]byte, error)) ([]Extent, error) {
	entries, depth, ok := decodeExtentHeader(inlineBlock[:extentHeaderSize])
	if !ok {
		return nil, rterrors.New(rterrors.Format, "corrupt extent header: bad magic")
	}
	if depth == 0 {
		var out []Extent
		off := extentHeaderSize
		for i := 0; i < int(entries); i++ {
			out = append(out, decodeLeafExtent(inlineBlock[off:off+extentEntrySize]))
			off += extentEntrySize
		}
		return out, nil
	}
	if depth != 1 || entries != 1 {
		return nil, rterrors.New(rterrors.Format, "unsupported extent tree depth")
	}
	_, leaf := decodeIndexEntry(inlineBlock[extentHeaderSize : extentHeaderSize+extentEntrySize])
	leafBuf, err := readBlock(leaf)
	if err != nil {
		return nil, err
	}
	leafEntries, leafDepth, ok := decodeExtentHeader(leafBuf[:extentHeaderSize])
	if !ok || leafDepth != 0 {
		return nil, rterrors.New(rterrors.Format, "corrupt extent leaf block")
	}
	var out []Extent
	off := extentHeaderSize
	for i := 0; i < int(leafEntries); i++ {
		out = append(out, decodeLeafExtent(leafBuf[off:off+extentEntrySize]))
		off += extentEntrySize
	}
	return out, nil
}
