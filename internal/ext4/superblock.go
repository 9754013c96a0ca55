package ext4

import "encoding/binary"

// Superblock mirrors the fields of the on-disk ext4 superblock that this
// formatter actually maintains. Fields it does not populate (journal,
// htree seed, 64-bit hi words beyond what's needed) are left zero, which
// is a valid "feature not in use" state.
type Superblock struct {
	InodesCount      uint32
	BlocksCountLo    uint32
	RBlocksCountLo   uint32
	FreeBlocksLo     uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	State            uint16
	Errors           uint16
	RevLevel         uint32
	FirstIno         uint32
	InodeSize        uint16
	BlockGroupNr     uint16
	FeatureCompat    uint32
	FeatureIncompat  uint32
	FeatureROCompat  uint32
	UUID             [16]byte
	VolumeName       [16]byte
	DescSize         uint16
}

// Feature flags this formatter sets. It does not implement flex_bg (each
// group's bitmaps/inode table stay inside that group), metadata_csum, or
// 64bit, so none of those bits are ever set.
const (
	featureIncompatFiletype   = 0x0002
	featureIncompatExtents    = 0x0040
	featureROCompatSparseSuper = 0x0001
)

// Encode serialises the superblock into a 1024-byte buffer suitable for
// writing at SuperblockOffset.
func (s *Superblock) Encode() []byte {
	buf := make([]byte, SuperblockSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], s.InodesCount)
	le.PutUint32(buf[4:8], s.BlocksCountLo)
	le.PutUint32(buf[8:12], s.RBlocksCountLo)
	le.PutUint32(buf[12:16], s.FreeBlocksLo)
	le.PutUint32(buf[16:20], s.FreeInodesCount)
	le.PutUint32(buf[20:24], s.FirstDataBlock)
	le.PutUint32(buf[24:28], s.LogBlockSize)
	le.PutUint32(buf[28:32], s.LogBlockSize) // s_log_cluster_size == s_log_block_size (no bigalloc)
	le.PutUint32(buf[32:36], s.BlocksPerGroup)
	le.PutUint32(buf[36:40], s.BlocksPerGroup) // s_clusters_per_group
	le.PutUint32(buf[40:44], s.InodesPerGroup)
	// s_mtime/s_wtime at 44/48 left zero (deterministic images)
	// s_mnt_count/s_max_mnt_count at 52/54 left zero
	le.PutUint16(buf[56:58], s.Magic)
	le.PutUint16(buf[58:60], s.State)
	le.PutUint16(buf[60:62], s.Errors)
	// s_minor_rev_level at 62
	// s_lastcheck/s_checkinterval at 64/68
	// s_creator_os at 72 left 0 (EXT4_OS_LINUX)
	le.PutUint32(buf[76:80], s.RevLevel)
	// s_def_resuid/s_def_resgid at 80/84
	le.PutUint32(buf[84:88], s.FirstIno)
	le.PutUint16(buf[88:90], s.InodeSize)
	le.PutUint16(buf[90:92], s.BlockGroupNr)
	le.PutUint32(buf[92:96], s.FeatureCompat)
	le.PutUint32(buf[96:100], s.FeatureIncompat)
	le.PutUint32(buf[100:104], s.FeatureROCompat)
	copy(buf[104:120], s.UUID[:])
	copy(buf[120:136], s.VolumeName[:])
	// s_last_mounted at 136..200
	// s_algorithm_usage_bitmap at 200
	// s_prealloc_blocks/s_prealloc_dir_blocks at 204/205
	// s_reserved_gdt_blocks at 206
	// s_journal_uuid at 208..224, s_journal_inum 224, s_journal_dev 228
	// s_last_orphan 232, s_hash_seed 236..252, s_def_hash_version 252
	le.PutUint16(buf[254:256], s.DescSize)
	// everything past this point (mount opts, mkfs time, 64-bit hi
	// counts, checksum) is left zero: this formatter never writes more
	// than 2^32 blocks and does not implement metadata_csum.
	return buf
}

// DecodeSuperblock parses a 1024-byte buffer previously produced by Encode.
func DecodeSuperblock(buf []byte) *Superblock {
	le := binary.LittleEndian
	s := &Superblock{
		InodesCount:     le.Uint32(buf[0:4]),
		BlocksCountLo:   le.Uint32(buf[4:8]),
		RBlocksCountLo:  le.Uint32(buf[8:12]),
		FreeBlocksLo:    le.Uint32(buf[12:16]),
		FreeInodesCount: le.Uint32(buf[16:20]),
		FirstDataBlock:  le.Uint32(buf[20:24]),
		LogBlockSize:    le.Uint32(buf[24:28]),
		BlocksPerGroup:  le.Uint32(buf[32:36]),
		InodesPerGroup:  le.Uint32(buf[40:44]),
		Magic:           le.Uint16(buf[56:58]),
		State:           le.Uint16(buf[58:60]),
		Errors:          le.Uint16(buf[60:62]),
		RevLevel:        le.Uint32(buf[76:80]),
		FirstIno:        le.Uint32(buf[84:88]),
		InodeSize:       le.Uint16(buf[88:90]),
		BlockGroupNr:    le.Uint16(buf[90:92]),
		FeatureCompat:   le.Uint32(buf[92:96]),
		FeatureIncompat: le.Uint32(buf[96:100]),
		FeatureROCompat: le.Uint32(buf[100:104]),
		DescSize:        le.Uint16(buf[254:256]),
	}
	copy(s.UUID[:], buf[104:120])
	copy(s.VolumeName[:], buf[120:136])
	return s
}

// BlockSize returns the decoded block size in bytes.
func (s *Superblock) BlockSize() int {
	return 1024 << s.LogBlockSize
}
