package ext4

import "encoding/binary"

// GroupDescriptor mirrors the 32-bit (non-64bit-feature) portion of an
// ext4 block group descriptor: the handful of fields this formatter
// actually needs to let a reader locate each group's bitmaps and inode
// table and recompute free counts.
type GroupDescriptor struct {
	BlockBitmapBlock uint32
	InodeBitmapBlock uint32
	InodeTableBlock  uint32
	FreeBlocksCount  uint16
	FreeInodesCount  uint16
	UsedDirsCount    uint16
}

// Encode serialises the descriptor into a GroupDescSize buffer.
func (g *GroupDescriptor) Encode() []byte {
	buf := make([]byte, GroupDescSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], g.BlockBitmapBlock)
	le.PutUint32(buf[4:8], g.InodeBitmapBlock)
	le.PutUint32(buf[8:12], g.InodeTableBlock)
	le.PutUint16(buf[12:14], g.FreeBlocksCount)
	le.PutUint16(buf[14:16], g.FreeInodesCount)
	le.PutUint16(buf[16:18], g.UsedDirsCount)
	return buf
}

// DecodeGroupDescriptor parses a descriptor previously produced by Encode.
func DecodeGroupDescriptor(buf []byte) *GroupDescriptor {
	le := binary.LittleEndian
	return &GroupDescriptor{
		BlockBitmapBlock: le.Uint32(buf[0:4]),
		InodeBitmapBlock: le.Uint32(buf[4:8]),
		InodeTableBlock:  le.Uint32(buf[8:12]),
		FreeBlocksCount:  le.Uint16(buf[12:14]),
		FreeInodesCount:  le.Uint16(buf[14:16]),
		UsedDirsCount:    le.Uint16(buf[16:18]),
	}
}
