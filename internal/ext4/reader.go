package ext4

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

func unixTime(sec uint32) time.Time { return time.Unix(int64(sec), 0).UTC() }

// DirEntry is one entry returned by Reader.Children: a name paired with
// the inode number it resolves to.
type DirEntry struct {
	Name     string
	Inode    uint32
	FileType uint8
}

// Reader is a read-only inspector over a previously formatted EXT4 image
// (§4.D): GetInode/Children/Exists answer structural questions, Export
// walks the whole tree into a PAX tar stream.
type Reader struct {
	f         *os.File
	blockSize int
	sb        *Superblock
	groups    []GroupDescriptor
}

// OpenReader parses imgPath's superblock and group descriptor table.
func OpenReader(imgPath string) (*Reader, error) {
	f, err := os.Open(imgPath)
	if err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed opening image %q", imgPath)
	}
	sbBuf := make([]byte, SuperblockSize)
	if _, err := f.ReadAt(sbBuf, SuperblockOffset); err != nil {
		f.Close()
		return nil, rterrors.Wrap(rterrors.IO, err, "failed reading superblock")
	}
	sb := DecodeSuperblock(sbBuf)
	if sb.Magic != SuperblockMagic {
		f.Close()
		return nil, rterrors.New(rterrors.Format, "bad superblock magic")
	}

	blockSize := sb.BlockSize()
	numGroups := (sb.BlocksCountLo + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup

	r := &Reader{f: f, blockSize: blockSize, sb: sb}
	gdtBlocks := gdtBlockCount(numGroups, blockSize)
	gdtBuf := make([]byte, gdtBlocks*uint32(blockSize))
	if _, err := f.ReadAt(gdtBuf, int64(blockSize)); err != nil {
		f.Close()
		return nil, rterrors.Wrap(rterrors.IO, err, "failed reading group descriptor table")
	}
	for g := uint32(0); g < numGroups; g++ {
		r.groups = append(r.groups, *DecodeGroupDescriptor(gdtBuf[g*GroupDescSize : (g+1)*GroupDescSize]))
	}
	return r, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

func (r *Reader) readBlock(num uint64) ([]byte, error) {
	buf := make([]byte, r.blockSize)
	if _, err := r.f.ReadAt(buf, int64(num)*int64(r.blockSize)); err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed reading block")
	}
	return buf, nil
}

func (r *Reader) readInode(num uint32) (*Inode, error) {
	if num == 0 {
		return nil, rterrors.New(rterrors.NotFound, "inode 0 does not exist")
	}
	group := (num - 1) / r.sb.InodesPerGroup
	if int(group) >= len(r.groups) {
		return nil, rterrors.New(rterrors.NotFound, "inode out of range")
	}
	idx := (num - 1) % r.sb.InodesPerGroup
	off := int64(r.groups[group].InodeTableBlock)*int64(r.blockSize) + int64(idx)*int64(InodeSize)
	buf := make([]byte, InodeSize)
	if _, err := r.f.ReadAt(buf, off); err != nil {
		return nil, rterrors.Wrap(rterrors.IO, err, "failed reading inode table entry")
	}
	return DecodeInode(buf), nil
}

// extentsOf returns the inode's extent list, resolving the index block
// for depth-1 trees.
func (r *Reader) extentsOf(inode *Inode) ([]Extent, error) {
	if inode.Flags&inodeFlagExtents == 0 {
		return nil, nil
	}
	return DecodeExtentTree(inode.InlineData, r.readBlock)
}

// GetInode returns the raw decoded inode for num, primarily for tests
// and diagnostics.
func (r *Reader) GetInode(num uint32) (*Inode, error) { return r.readInode(num) }

// Lookup resolves a slash-separated path to its inode number, starting
// at root. It does not follow symlinks.
func (r *Reader) Lookup(p string) (uint32, error) {
	components := splitPath(p)
	cur := uint32(RootInode)
	for _, c := range components {
		entries, err := r.Children(cur)
		if err != nil {
			return 0, err
		}
		found := false
		for _, e := range entries {
			if e.Name == c {
				cur = e.Inode
				found = true
				break
			}
		}
		if !found {
			return 0, rterrors.New(rterrors.NotFound, "no such path: "+p)
		}
	}
	return cur, nil
}

// Exists reports whether p resolves to an entry.
func (r *Reader) Exists(p string) bool {
	_, err := r.Lookup(p)
	return err == nil
}

// Children lists dirInode's directory entries, excluding "." and "..".
func (r *Reader) Children(dirInode uint32) ([]DirEntry, error) {
	inode, err := r.readInode(dirInode)
	if err != nil {
		return nil, err
	}
	if inode.FileType() != ModeDir {
		return nil, rterrors.New(rterrors.Format, "inode is not a directory")
	}
	extents, err := r.extentsOf(inode)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for _, e := range extents {
		for b := uint64(0); b < uint64(e.Length); b++ {
			block, err := r.readBlock(e.PhysicalBlock + b)
			if err != nil {
				return nil, err
			}
			for _, de := range decodeDirBlock(block) {
				if de.Name == "." || de.Name == ".." {
					continue
				}
				out = append(out, DirEntry{Name: de.Name, Inode: de.Inode, FileType: de.FileType})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadSymlink returns a symlink inode's target.
func (r *Reader) ReadSymlink(num uint32) (string, error) {
	inode, err := r.readInode(num)
	if err != nil {
		return "", err
	}
	if inode.FileType() != ModeSymlink {
		return "", rterrors.New(rterrors.Format, "inode is not a symlink")
	}
	size := inode.Size()
	if inode.Flags&inodeFlagExtents == 0 {
		return string(inode.InlineData[:size]), nil
	}
	data, err := r.readFileData(inode)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *Reader) readFileData(inode *Inode) ([]byte, error) {
	extents, err := r.extentsOf(inode)
	if err != nil {
		return nil, err
	}
	size := inode.Size()
	out := make([]byte, 0, size)
	for _, e := range extents {
		for b := uint64(0); b < uint64(e.Length); b++ {
			block, err := r.readBlock(e.PhysicalBlock + b)
			if err != nil {
				return nil, err
			}
			out = append(out, block...)
		}
	}
	if uint64(len(out)) > size {
		out = out[:size]
	}
	return out, nil
}

func (r *Reader) xattrsOf(inode *Inode) (map[string]string, error) {
	if inline, err := DecodeXattrs(inode.InlineXattr[:], 4); err != nil {
		return nil, err
	} else if inline != nil {
		return inline, nil
	}
	if inode.FileACL == 0 {
		return nil, nil
	}
	block, err := r.readBlock(uint64(inode.FileACL))
	if err != nil {
		return nil, err
	}
	return DecodeXattrs(block, xattrHeaderSize)
}

// Export walks the tree rooted at path (default "/") and writes it as a
// PAX tar stream, the inverse of pkg/archive's extractor (§4.D).
func (r *Reader) Export(w io.Writer, root string) error {
	tw := tar.NewWriter(w)
	startInode, err := r.Lookup(root)
	if err != nil {
		return err
	}
	if err := r.exportTree(tw, startInode, "."); err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

func (r *Reader) exportTree(tw *tar.Writer, num uint32, tarPath string) error {
	inode, err := r.readInode(num)
	if err != nil {
		return err
	}
	xattrs, err := r.xattrsOf(inode)
	if err != nil {
		return err
	}

	hdr := &tar.Header{
		Name:    tarPath,
		Mode:    int64(inode.Mode & 0o7777),
		Uid:     int(inode.UID),
		Gid:     int(inode.GID),
		ModTime: unixTime(inode.Mtime),
	}
	if len(xattrs) > 0 {
		hdr.PAXRecords = map[string]string{}
		for k, v := range xattrs {
			hdr.PAXRecords["SCHILY.xattr."+k] = v
		}
	}

	switch inode.FileType() {
	case ModeDir:
		hdr.Typeflag = tar.TypeDir
		hdr.Name = tarPath + "/"
		if err := tw.WriteHeader(hdr); err != nil {
			return rterrors.Wrap(rterrors.IO, err, "failed writing tar header")
		}
		children, err := r.Children(num)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := r.exportTree(tw, c.Inode, path.Join(tarPath, c.Name)); err != nil {
				return err
			}
		}
		return nil

	case ModeSymlink:
		target, err := r.ReadSymlink(num)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = target
		return tw.WriteHeader(hdr)

	case ModeRegular:
		data, err := r.readFileData(inode)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeReg
		hdr.Size = int64(len(data))
		if err := tw.WriteHeader(hdr); err != nil {
			return rterrors.Wrap(rterrors.IO, err, "failed writing tar header")
		}
		_, err = tw.Write(data)
		return err

	case ModeChar, ModeBlock:
		major, minor := decodeDevNum(inode.InlineData[:8])
		if inode.FileType() == ModeChar {
			hdr.Typeflag = tar.TypeChar
		} else {
			hdr.Typeflag = tar.TypeBlock
		}
		hdr.Devmajor, hdr.Devminor = int64(major), int64(minor)
		return tw.WriteHeader(hdr)

	case ModeFIFO:
		hdr.Typeflag = tar.TypeFifo
		return tw.WriteHeader(hdr)

	default:
		return rterrors.New(rterrors.Format, "unsupported inode type during export")
	}
}

func decodeDevNum(b []byte) (major, minor uint32) {
	old := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	new_ := uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24
	if old != 0 {
		return old >> 8, old & 0xff
	}
	major = (new_ & 0xfff00) >> 8
	minor = (new_ & 0xff) | ((new_ >> 12) & 0xfff00)
	return
}
