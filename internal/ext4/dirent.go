package ext4

import "encoding/binary"

// dirEntryHeaderSize is the fixed header portion of an ext4_dir_entry_2 before
// the (unpadded, not NUL-terminated) name bytes.
const dirEntryHeaderSize = 8

// encodeDirBlocks lays out name->inode entries across one or more
// blockSize-byte directory blocks. Each block's final entry absorbs the
// remainder of the block via rec_len, which is how ext4 directories
// terminate iteration without a sentinel entry.
func encodeDirBlocks(order []string, entries map[string]uint32, fileType map[string]uint8, blockSize int) [][]byte {
	var blocks [][]byte
	var cur []byte
	var curOff int

	flush := func() {
		if cur == nil {
			return
		}
		if curOff < len(cur) {
			// extend the last entry's rec_len to cover the rest of the block
			lastRecLenOff := lastEntryOffset(cur, curOff)
			recLen := len(cur) - lastRecLenOff
			binary.LittleEndian.PutUint16(cur[lastRecLenOff+4:lastRecLenOff+6], uint16(recLen))
		}
		blocks = append(blocks, cur)
		cur = nil
		curOff = 0
	}

	for _, name := range order {
		need := alignUp4(dirEntryHeaderSize + len(name))
		if cur == nil {
			cur = make([]byte, blockSize)
			curOff = 0
		}
		if curOff+need > blockSize {
			flush()
			cur = make([]byte, blockSize)
			curOff = 0
		}
		writeDirEntry(cur[curOff:curOff+need], entries[name], uint16(need), name, fileType[name])
		curOff += need
	}
	flush()

	if len(blocks) == 0 {
		blocks = append(blocks, make([]byte, blockSize))
		recLen := uint16(blockSize)
		binary.LittleEndian.PutUint16(blocks[0][4:6], recLen)
	}
	return blocks
}

// lastEntryOffset walks a partially filled block to find the byte offset
// of its last written entry, for the terminal rec_len fixup. It scans
// from offset 0, stepping by each entry's rec_len, until filledUpTo.
func lastEntryOffset(block []byte, filledUpTo int) int {
	off := 0
	last := 0
	for off < filledUpTo {
		recLen := int(binary.LittleEndian.Uint16(block[off+4 : off+6]))
		if recLen == 0 {
			break
		}
		last = off
		off += recLen
	}
	return last
}

func writeDirEntry(buf []byte, inode uint32, recLen uint16, name string, fileType uint8) {
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], inode)
	le.PutUint16(buf[4:6], recLen)
	buf[6] = uint8(len(name))
	buf[7] = fileType
	copy(buf[8:8+len(name)], name)
}

// dirEntry is one decoded directory entry.
type dirEntry struct {
	Inode    uint32
	FileType uint8
	Name     string
}

// decodeDirBlock parses one directory data block into its live entries,
// skipping deleted slots (inode == 0).
func decodeDirBlock(block []byte) []dirEntry {
	var out []dirEntry
	le := binary.LittleEndian
	off := 0
	for off+dirEntryHeaderSize <= len(block) {
		inode := le.Uint32(block[off : off+4])
		recLen := int(le.Uint16(block[off+4 : off+6]))
		if recLen < dirEntryHeaderSize {
			break
		}
		nameLen := int(block[off+6])
		fileType := block[off+7]
		if inode != 0 && off+dirEntryHeaderSize+nameLen <= len(block) {
			name := string(block[off+8 : off+8+nameLen])
			out = append(out, dirEntry{Inode: inode, FileType: fileType, Name: name})
		}
		off += recLen
	}
	return out
}
