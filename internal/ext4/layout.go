package ext4

const (
	// SuperblockOffset is the fixed byte offset of the superblock.
	SuperblockOffset = 1024
	// SuperblockSize is the on-disk size of the superblock structure.
	SuperblockSize = 1024
	// SuperblockMagic is the ext2/3/4 magic number, stored little-endian
	// at offset 0x38 within the superblock (absolute offset 1080).
	SuperblockMagic = 0xEF53

	// DefaultBlockSize is the block size Open uses when none is given.
	DefaultBlockSize = 4096
	// BlockSizeLog2Base is subtracted from log2(blockSize) to produce
	// s_log_block_size (blockSize = 1024 << s_log_block_size).
	BlockSizeLog2Base = 10

	// RootInode is the inode number of the root directory.
	RootInode = 2
	// LostAndFoundInode is the inode number of /lost+found, created on open.
	LostAndFoundInode = 11
	// FirstNonReservedInode is the first inode number available for use.
	FirstNonReservedInode = 12

	// InodeSize is the on-disk size of one inode record.
	InodeSize = 256
	// InlineDataSize is the size in bytes of the i_block inline area used
	// for short symlink targets.
	InlineDataSize = 60
	// InlineXattrSize is the size in bytes of the inode's inline extended
	// attribute area (i_extra_isize onward up to InodeSize).
	InlineXattrSize = 96
	// XattrBlockSize is the size of a dedicated external xattr block —
	// always one filesystem block.
	XattrBlockSize = DefaultBlockSize

	// DefaultInodesPerGroup is the fixed inode density this formatter
	// uses. Real mke2fs derives this from a bytes-per-inode ratio; a
	// fixed value keeps the group geometry simple and is ample for
	// container layer inode counts.
	DefaultInodesPerGroup = 4096

	// GroupDescSize is the size of one 32-byte (non-64bit-feature) group
	// descriptor record.
	GroupDescSize = 32

	extentMagic      = 0xF30A
	extentHeaderSize = 12
	extentEntrySize  = 12
	extentsPerInode  = (InlineDataSize - extentHeaderSize) / extentEntrySize // 4 leaf extents, depth 0

	xattrMagic       = 0xEA020000
	xattrHeaderSize  = 32
	xattrEntrySize   = 16 // on-disk entry header size before name bytes
)

// blocksPerGroup is the number of blocks tracked by a single block bitmap
// block: one bit per block, so blockSize*8 blocks per group. Inodes per
// group are DefaultInodesPerGroup, not derived from this.
func blocksPerGroup(blockSize int) uint32 {
	return uint32(blockSize * 8)
}

// hasBackupSuperblock reports whether block group g carries a backup
// superblock + group descriptor table, per the sparse_super convention
// named in §6: groups 0, 1, and powers of 3, 5, or 7.
func hasBackupSuperblock(g uint32) bool {
	if g == 0 || g == 1 {
		return true
	}
	return isPowerOf(g, 3) || isPowerOf(g, 5) || isPowerOf(g, 7)
}

func isPowerOf(n, base uint32) bool {
	if n < base {
		return false
	}
	for n%base == 0 {
		n /= base
		if n == 1 {
			return true
		}
	}
	return false
}
