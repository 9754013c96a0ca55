package ext4

import "encoding/binary"

// File-type bits for i_mode, matching include/uapi/linux/stat.h.
const (
	ModeFIFO    = 0o010000
	ModeChar    = 0o020000
	ModeDir     = 0o040000
	ModeBlock   = 0o060000
	ModeRegular = 0o100000
	ModeSymlink = 0o120000
	ModeSocket  = 0o140000

	modeTypeMask = 0o170000
)

// Inode is the in-memory form of one 256-byte ext4 inode record.
type Inode struct {
	Mode       uint16
	UID        uint32
	GID        uint32
	SizeLo     uint32
	SizeHi     uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	LinksCount uint16
	BlocksLo   uint32 // 512-byte sectors, per ext4 convention
	Flags      uint32
	Generation uint32
	FileACL    uint32
	ExtraIsize uint16

	// InlineData holds either the symlink's inline target bytes (when
	// Mode is a symlink and the target fits in InlineDataSize) or the
	// 60-byte extent tree root (when the inode addresses data blocks).
	InlineData [InlineDataSize]byte

	// InlineXattr holds the encoded 96-byte inline xattr region, or is
	// all-zero if the inode carries no inline xattrs.
	InlineXattr [InlineXattrSize]byte
}

// Size returns the logical file size.
func (i *Inode) Size() uint64 {
	return uint64(i.SizeHi)<<32 | uint64(i.SizeLo)
}

// SetSize sets the logical file size.
func (i *Inode) SetSize(n uint64) {
	i.SizeLo = uint32(n)
	i.SizeHi = uint32(n >> 32)
}

// FileType returns the masked i_mode file-type bits (ModeDir, ModeRegular, ...).
func (i *Inode) FileType() uint16 {
	return i.Mode & modeTypeMask
}

// Encode serialises the inode into a 256-byte record.
func (i *Inode) Encode() []byte {
	buf := make([]byte, InodeSize)
	le := binary.LittleEndian

	le.PutUint16(buf[0:2], i.Mode)
	le.PutUint16(buf[2:4], uint16(i.UID))
	le.PutUint32(buf[4:8], i.SizeLo)
	le.PutUint32(buf[8:12], i.Atime)
	le.PutUint32(buf[12:16], i.Ctime)
	le.PutUint32(buf[16:20], i.Mtime)
	// i_dtime at 20 left zero (never deleted at write time)
	le.PutUint16(buf[24:26], uint16(i.GID))
	le.PutUint16(buf[26:28], i.LinksCount)
	le.PutUint32(buf[28:32], i.BlocksLo)
	le.PutUint32(buf[32:36], i.Flags)
	copy(buf[40:100], i.InlineData[:])
	le.PutUint32(buf[100:104], i.Generation)
	le.PutUint32(buf[104:108], i.FileACL)
	le.PutUint32(buf[108:112], i.SizeHi)
	le.PutUint16(buf[120:122], uint16(i.UID>>16))
	le.PutUint16(buf[122:124], uint16(i.GID>>16))
	le.PutUint16(buf[128:130], i.ExtraIsize)
	copy(buf[160:256], i.InlineXattr[:])
	return buf
}

// DecodeInode parses a 256-byte inode record previously produced by Encode.
func DecodeInode(buf []byte) *Inode {
	le := binary.LittleEndian
	i := &Inode{
		Mode:       le.Uint16(buf[0:2]),
		UID:        uint32(le.Uint16(buf[2:4])),
		SizeLo:     le.Uint32(buf[4:8]),
		Atime:      le.Uint32(buf[8:12]),
		Ctime:      le.Uint32(buf[12:16]),
		Mtime:      le.Uint32(buf[16:20]),
		GID:        uint32(le.Uint16(buf[24:26])),
		LinksCount: le.Uint16(buf[26:28]),
		BlocksLo:   le.Uint32(buf[28:32]),
		Flags:      le.Uint32(buf[32:36]),
		Generation: le.Uint32(buf[100:104]),
		FileACL:    le.Uint32(buf[104:108]),
		SizeHi:     le.Uint32(buf[108:112]),
		ExtraIsize: le.Uint16(buf[128:130]),
	}
	i.UID |= uint32(le.Uint16(buf[120:122])) << 16
	i.GID |= uint32(le.Uint16(buf[122:124])) << 16
	copy(i.InlineData[:], buf[40:100])
	copy(i.InlineXattr[:], buf[160:256])
	return i
}
