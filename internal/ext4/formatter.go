package ext4

import (
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// dirNode is the in-memory directory entry list for one directory inode.
// Order is preserved so export (§4.D) is deterministic.
type dirNode struct {
	order   []string
	entries map[string]uint32
}

func newDirNode() *dirNode {
	return &dirNode{entries: map[string]uint32{}}
}

func (d *dirNode) set(name string, inode uint32) {
	if _, exists := d.entries[name]; !exists {
		d.order = append(d.order, name)
	}
	d.entries[name] = inode
}

func (d *dirNode) remove(name string) {
	if _, exists := d.entries[name]; !exists {
		return
	}
	delete(d.entries, name)
	for i, n := range d.order {
		if n == name {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// inodeRecord is the in-memory representation of one allocated inode.
// The Formatter keeps the whole tree in memory and only serialises the
// on-disk bitmaps/inode table/directory blocks at Close — file *data* is
// still streamed and written block-by-block as Create is called, so
// payload size is never bounded by available RAM.
type inodeRecord struct {
	Number        uint32
	Mode          uint32
	UID, GID      uint32
	Atime, Mtime  uint32
	Ctime         uint32
	LinksCount    uint16
	Size          uint64
	Extents       []Extent
	SymlinkTarget string
	Dir           *dirNode
	ParentNum     uint32 // valid only when Dir != nil; used to synthesise ".."
	Xattrs        map[string]string
	DevMajor      uint32
	DevMinor      uint32
}

func (r *inodeRecord) isDir() bool { return uint32(r.Mode)&modeTypeMask == ModeDir }

// CreateOpts carries the optional per-entry metadata §4.C's create/unpack
// paths need beyond path+mode+data.
type CreateOpts struct {
	UID, GID         uint32
	Mtime            time.Time
	Xattrs           map[string]string
	DevMajor         uint32
	DevMinor         uint32
}

// groupLayout records the fixed metadata block ranges computed at Open
// for one block group.
type groupLayout struct {
	blockBitmapBlock uint32
	inodeBitmapBlock uint32
	inodeTableBlock  uint32
	inodeTableBlocks uint32
	dataStart        uint32
	dataEnd          uint32
}

// Formatter is the streaming EXT4 image builder (§4.C). It is single-shot
// (Open, then any sequence of Create/Link/Unlink/Unpack, then Close) and
// single-threaded — callers must serialise their own calls, matching the
// "EXT4 formatter is single-threaded" rule in §5.
type Formatter struct {
	mu sync.Mutex

	f         *os.File
	logger    hclog.Logger
	blockSize int

	totalBlocks    uint32
	blocksPerGroup uint32
	inodesPerGroup uint32
	numGroups      uint32
	groups         []groupLayout

	blockBitmap *Bitmap
	inodeBitmap *Bitmap // index 0 == inode number 1

	inodes       map[uint32]*inodeRecord
	freeInodeNos []uint32
	nextInodeNo  uint32

	closed bool
}

// Open creates (or truncates) path and prepares an empty EXT4 image with
// root (inode 2) and lost+found (inode 11) already created, sized for at
// least minDiskSize bytes.
func Open(logger hclog.Logger, imgPath string, blockSize int, minDiskSize int64) (*Formatter, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 2048 {
		return nil, rterrors.New(rterrors.InvalidArgument, "block size must be at least 2048 bytes")
	}

	f, err := os.Create(imgPath)
	if err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed creating image file %q", imgPath)
	}

	ft := &Formatter{
		f:            f,
		logger:       logger,
		blockSize:    blockSize,
		inodesPerGroup: DefaultInodesPerGroup,
		inodes:       map[uint32]*inodeRecord{},
		nextInodeNo:  FirstNonReservedInode,
	}

	minBlocks := uint32((minDiskSize + int64(blockSize) - 1) / int64(blockSize))
	if minBlocks == 0 {
		minBlocks = 1024 // a minimum working geometry even for tiny/empty images
	}
	if err := ft.growTo(minBlocks); err != nil {
		f.Close()
		return nil, err
	}

	rootRec := &inodeRecord{Number: RootInode, Mode: uint32(ModeDir | 0o755), LinksCount: 2, Dir: newDirNode(), ParentNum: RootInode}
	ft.inodes[RootInode] = rootRec
	ft.markInodeUsed(RootInode)

	lfRec := &inodeRecord{Number: LostAndFoundInode, Mode: uint32(ModeDir | 0o700), LinksCount: 2, Dir: newDirNode(), ParentNum: RootInode}
	ft.inodes[LostAndFoundInode] = lfRec
	ft.markInodeUsed(LostAndFoundInode)
	rootRec.Dir.set("lost+found", LostAndFoundInode)

	for n := uint32(1); n < FirstNonReservedInode; n++ {
		if n == RootInode || n == LostAndFoundInode {
			continue
		}
		ft.markInodeUsed(n) // reserved inodes 1, 3..10 are never allocated
	}

	return ft, nil
}

func (f *Formatter) markInodeUsed(n uint32) { f.inodeBitmap.Set(int(n - 1)) }

// growTo ensures the image addresses at least minBlocks data+metadata
// blocks, adding whole block groups as needed and re-truncating the
// backing file. Growing is only ever done before any block allocation
// has happened for groups beyond what's already accounted for, except
// for the common case of extending during Create/Unpack, which is safe
// because newly added groups contribute only free blocks.
func (f *Formatter) growTo(minBlocks uint32) error {
	f.blocksPerGroup = blocksPerGroup(f.blockSize)
	neededGroups := (minBlocks + f.blocksPerGroup - 1) / f.blocksPerGroup
	if neededGroups == 0 {
		neededGroups = 1
	}
	if neededGroups <= f.numGroups {
		return nil
	}

	gdtBlocks := gdtBlockCount(neededGroups, f.blockSize)

	newTotalBlocks := neededGroups * f.blocksPerGroup
	newBlockBitmap := NewBitmap(int(newTotalBlocks))
	newInodeBitmap := NewBitmap(int(neededGroups * f.inodesPerGroup))
	if f.blockBitmap != nil {
		copy(newBlockBitmap.Bytes(), f.blockBitmap.Bytes())
	}
	if f.inodeBitmap != nil {
		copy(newInodeBitmap.Bytes(), f.inodeBitmap.Bytes())
	}
	f.blockBitmap = newBlockBitmap
	f.inodeBitmap = newInodeBitmap

	groups := make([]groupLayout, neededGroups)
	copy(groups, f.groups)

	for g := f.numGroups; g < neededGroups; g++ {
		start := g * f.blocksPerGroup
		off := start
		if hasBackupSuperblock(g) {
			off += 1 + gdtBlocks
		}
		gl := groupLayout{
			blockBitmapBlock: off,
		}
		off++
		gl.inodeBitmapBlock = off
		off++
		gl.inodeTableBlocks = (f.inodesPerGroup*InodeSize + uint32(f.blockSize) - 1) / uint32(f.blockSize)
		gl.inodeTableBlock = off
		off += gl.inodeTableBlocks
		gl.dataStart = off
		end := start + f.blocksPerGroup
		if end > newTotalBlocks {
			end = newTotalBlocks
		}
		gl.dataEnd = end
		groups[g] = gl

		for b := start; b < gl.dataStart; b++ {
			f.blockBitmap.Set(int(b))
		}
	}

	f.groups = groups
	f.numGroups = neededGroups
	f.totalBlocks = newTotalBlocks

	if err := f.f.Truncate(int64(newTotalBlocks) * int64(f.blockSize)); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed sizing image file")
	}
	return nil
}

func gdtBlockCount(numGroups uint32, blockSize int) uint32 {
	return (numGroups*GroupDescSize + uint32(blockSize) - 1) / uint32(blockSize)
}

// allocBlocks finds a best-fit contiguous run (growing the image if
// necessary) and marks it used, returning the first block number.
func (f *Formatter) allocBlocks(n int) (uint64, error) {
	if n <= 0 {
		return 0, nil
	}
	start := f.blockBitmap.FindBestFit(n)
	if start == -1 {
		if err := f.growTo(f.totalBlocks + uint32(n) + f.blocksPerGroup); err != nil {
			return 0, err
		}
		start = f.blockBitmap.FindBestFit(n)
		if start == -1 {
			return 0, rterrors.New(rterrors.IO, "failed to allocate blocks after growing image")
		}
	}
	f.blockBitmap.MarkRange(start, n)
	return uint64(start), nil
}

func (f *Formatter) allocOneBlock() (uint64, []byte, error) {
	n, err := f.allocBlocks(1)
	if err != nil {
		return 0, nil, err
	}
	return n, make([]byte, f.blockSize), nil
}

func (f *Formatter) freeBlocks(extents []Extent) {
	for _, e := range extents {
		for b := e.PhysicalBlock; b < e.PhysicalBlock+uint64(e.Length); b++ {
			f.blockBitmap.Clear(int(b))
		}
	}
}

func (f *Formatter) allocInode() (uint32, error) {
	if n := len(f.freeInodeNos); n > 0 {
		num := f.freeInodeNos[n-1]
		f.freeInodeNos = f.freeInodeNos[:n-1]
		f.markInodeUsed(num)
		return num, nil
	}
	num := f.nextInodeNo
	if num-1 >= uint32(f.inodeBitmap.n) {
		if err := f.growTo(f.totalBlocks + f.blocksPerGroup); err != nil {
			return 0, err
		}
	}
	f.nextInodeNo++
	f.markInodeUsed(num)
	return num, nil
}

func (f *Formatter) freeInode(num uint32) {
	f.inodeBitmap.Clear(int(num - 1))
	f.freeInodeNos = append(f.freeInodeNos, num)
	delete(f.inodes, num)
}

// splitPath cleans path and returns its non-empty components.
func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return nil
	}
	return strings.Split(p, "/")
}

// resolveParentDir walks to the directory that should contain the final
// path component, auto-creating missing intermediate directories (many
// OCI layer tars omit redundant parent directory entries). It refuses to
// traverse through a non-directory (including a symlink) component.
func (f *Formatter) resolveParentDir(components []string) (*inodeRecord, error) {
	cur := f.inodes[RootInode]
	for _, c := range components[:len(components)-1] {
		childNum, ok := cur.Dir.entries[c]
		if !ok {
			num, err := f.allocInode()
			if err != nil {
				return nil, err
			}
			rec := &inodeRecord{Number: num, Mode: uint32(ModeDir | 0o755), LinksCount: 2, Dir: newDirNode(), ParentNum: cur.Number}
			f.inodes[num] = rec
			cur.Dir.set(c, num)
			cur.LinksCount++ // subdirectory's ".." bumps parent's link count
			cur = rec
			continue
		}
		child := f.inodes[childNum]
		if child == nil || !child.isDir() {
			return nil, rterrors.New(rterrors.Format, "path component is not a directory")
		}
		cur = child
	}
	return cur, nil
}

func fileTypeOf(mode uint32) uint8 {
	switch mode & modeTypeMask {
	case ModeRegular:
		return 1
	case ModeDir:
		return 2
	case ModeChar:
		return 3
	case ModeBlock:
		return 4
	case ModeFIFO:
		return 5
	case ModeSocket:
		return 6
	case ModeSymlink:
		return 7
	default:
		return 0
	}
}

// removeExisting drops whatever inode currently occupies name inside
// parent (last-entry-wins, §4.B/§4.C), freeing its blocks once its link
// count reaches zero.
func (f *Formatter) removeExisting(parent *inodeRecord, name string) {
	num, ok := parent.Dir.entries[name]
	if !ok {
		return
	}
	parent.Dir.remove(name)
	rec := f.inodes[num]
	if rec == nil {
		return
	}
	if rec.isDir() {
		parent.LinksCount--
	}
	rec.LinksCount--
	if rec.LinksCount == 0 {
		f.freeBlocks(rec.Extents)
		f.freeInode(num)
	}
}

// Create creates a regular file, directory, character/block device,
// fifo, or socket inode at path, per §4.C. data is read fully for
// regular files (ignored for every other type).
func (f *Formatter) Create(p string, mode uint32, data io.Reader, opts CreateOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return rterrors.New(rterrors.StateConflict, "formatter is closed")
	}

	components := splitPath(p)
	if len(components) == 0 {
		return rterrors.New(rterrors.Format, "refusing to replace the root directory: unsupportedFiletype")
	}
	name := components[len(components)-1]
	parent, err := f.resolveParentDir(components)
	if err != nil {
		return err
	}

	f.removeExisting(parent, name)

	num, err := f.allocInode()
	if err != nil {
		return err
	}
	rec := &inodeRecord{
		Number:     num,
		Mode:       mode,
		UID:        opts.UID,
		GID:        opts.GID,
		LinksCount: 1,
		Xattrs:     opts.Xattrs,
		DevMajor:   opts.DevMajor,
		DevMinor:   opts.DevMinor,
	}
	if !opts.Mtime.IsZero() {
		rec.Mtime = uint32(opts.Mtime.Unix())
		rec.Ctime = rec.Mtime
		rec.Atime = rec.Mtime
	}

	switch mode & modeTypeMask {
	case ModeDir:
		rec.Dir = newDirNode()
		rec.ParentNum = parent.Number
		rec.LinksCount = 2
		parent.LinksCount++
	case ModeRegular:
		if data != nil {
			extents, size, err := f.streamToExtents(data)
			if err != nil {
				f.freeInode(num)
				return err
			}
			rec.Extents = extents
			rec.Size = size
		}
	case ModeChar, ModeBlock, ModeFIFO, ModeSocket:
		// no data; device number already carried in opts
	default:
		f.freeInode(num)
		return rterrors.New(rterrors.Format, "unsupported inode type")
	}

	f.inodes[num] = rec
	parent.Dir.set(name, num)
	return nil
}

// CreateSymlink creates a symbolic link at path pointing at target,
// without resolving target (§4.C: the target may only exist inside the
// container namespace). Inline storage is used when target fits in the
// inode's 60-byte block area.
func (f *Formatter) CreateSymlink(p, target string, mode uint32, opts CreateOpts) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return rterrors.New(rterrors.StateConflict, "formatter is closed")
	}

	components := splitPath(p)
	if len(components) == 0 {
		return rterrors.New(rterrors.Format, "unsupportedFiletype: cannot replace the root directory with a symlink")
	}
	name := components[len(components)-1]
	parent, err := f.resolveParentDir(components)
	if err != nil {
		return err
	}
	f.removeExisting(parent, name)

	num, err := f.allocInode()
	if err != nil {
		return err
	}
	rec := &inodeRecord{
		Number:        num,
		Mode:          uint32(ModeSymlink) | (mode & 0o777),
		UID:           opts.UID,
		GID:           opts.GID,
		LinksCount:    1,
		SymlinkTarget: target,
		Xattrs:        opts.Xattrs,
		Size:          uint64(len(target)),
	}
	f.inodes[num] = rec
	parent.Dir.set(name, num)
	return nil
}

// Link creates a hard link at path link pointing at the inode addressed
// by target, incrementing the target inode's link count (§4.C).
func (f *Formatter) Link(link, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return rterrors.New(rterrors.StateConflict, "formatter is closed")
	}

	targetRec, err := f.lookupPath(splitPath(target))
	if err != nil {
		return err
	}
	if targetRec.isDir() {
		return rterrors.New(rterrors.Format, "cannot hard link a directory")
	}

	components := splitPath(link)
	if len(components) == 0 {
		return rterrors.New(rterrors.Format, "unsupportedFiletype: cannot replace the root directory")
	}
	name := components[len(components)-1]
	parent, err := f.resolveParentDir(components)
	if err != nil {
		return err
	}
	f.removeExisting(parent, name)

	targetRec.LinksCount++
	parent.Dir.set(name, targetRec.Number)
	return nil
}

// Unlink removes the directory entry at path. With directoryWhiteout
// true, all children are recursively removed first and an empty
// directory is left behind (the opaque-whiteout semantic, §4.C).
func (f *Formatter) Unlink(p string, directoryWhiteout bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return rterrors.New(rterrors.StateConflict, "formatter is closed")
	}

	components := splitPath(p)
	if len(components) == 0 {
		if directoryWhiteout {
			return f.opaqueWhiteoutRoot()
		}
		return rterrors.New(rterrors.Format, "unsupportedFiletype: cannot unlink the root directory")
	}

	name := components[len(components)-1]
	parent, err := f.resolveParentDir(components)
	if err != nil {
		return err
	}
	num, ok := parent.Dir.entries[name]
	if !ok {
		return nil // nothing to do: matches overlay semantics of unlinking an already-absent path
	}
	rec := f.inodes[num]

	if directoryWhiteout {
		if rec == nil || !rec.isDir() {
			return rterrors.New(rterrors.Format, "unsupportedFiletype: opaque whiteout target is not a directory")
		}
		if err := f.recursiveRemoveChildren(rec, map[uint32]bool{}); err != nil {
			return err
		}
		return nil
	}

	f.removeExisting(parent, name)
	return nil
}

func (f *Formatter) opaqueWhiteoutRoot() error {
	root := f.inodes[RootInode]
	return f.recursiveRemoveChildren(root, map[uint32]bool{})
}

// recursiveRemoveChildren empties dir's directory entries, freeing every
// descendant inode whose link count drops to zero. A visited-inode set
// guards against a cyclic directory tree: revisiting an inode already on
// the current recursion stack aborts with unsupportedFiletype instead of
// looping forever. Link refuses directories and symlinks are never
// descended, so the formatter's own operations do not build such a cycle.
func (f *Formatter) recursiveRemoveChildren(dir *inodeRecord, visiting map[uint32]bool) error {
	if visiting[dir.Number] {
		return rterrors.New(rterrors.Format, "unsupportedFiletype: cyclic directory structure detected during whiteout")
	}
	visiting[dir.Number] = true
	defer delete(visiting, dir.Number)

	names := append([]string(nil), dir.Dir.order...)
	for _, name := range names {
		num := dir.Dir.entries[name]
		child := f.inodes[num]
		if child != nil && child.isDir() {
			if err := f.recursiveRemoveChildren(child, visiting); err != nil {
				return err
			}
		}
		f.removeExisting(dir, name)
	}
	return nil
}

// lookupPath resolves an existing path to its inode record.
func (f *Formatter) lookupPath(components []string) (*inodeRecord, error) {
	if len(components) == 0 {
		return f.inodes[RootInode], nil
	}
	parent, err := f.resolveParentDir(components)
	if err != nil {
		return nil, err
	}
	name := components[len(components)-1]
	num, ok := parent.Dir.entries[name]
	if !ok {
		return nil, rterrors.New(rterrors.NotFound, "no such path: "+path.Join(components...))
	}
	return f.inodes[num], nil
}

// streamToExtents copies data into newly allocated blocks using the
// best-fit allocator, returning the resulting extent list and exact
// byte size.
func (f *Formatter) streamToExtents(data io.Reader) ([]Extent, uint64, error) {
	var extents []Extent
	var total uint64
	var logical uint32

	buf := make([]byte, f.blockSize*64) // read in chunks, allocate contiguous runs per chunk
	for {
		n, readErr := io.ReadFull(data, buf)
		if n > 0 {
			blocksNeeded := (n + f.blockSize - 1) / f.blockSize
			start, allocErr := f.allocBlocks(blocksNeeded)
			if allocErr != nil {
				return nil, 0, allocErr
			}
			if _, err := f.f.WriteAt(buf[:n], int64(start)*int64(f.blockSize)); err != nil {
				return nil, 0, rterrors.Wrap(rterrors.IO, err, "failed to read data for write")
			}
			extents = append(extents, Extent{LogicalBlock: logical, PhysicalBlock: start, Length: uint16(blocksNeeded)})
			logical += uint32(blocksNeeded)
			total += uint64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, 0, rterrors.Wrap(rterrors.IO, readErr, "failed to read data")
		}
	}
	return mergeAdjacentExtents(extents), total, nil
}

// writeExtentTree lays extents (already sorted/merged) into a 60-byte
// i_block root, allocating and writing an index block to disk when the
// extents don't fit inline.
func (f *Formatter) writeExtentTree(extents []Extent) ([InlineDataSize]byte, error) {
	var savedNum uint64
	var savedBuf []byte
	allocFn := func() (uint64, []byte, error) {
		n, buf, err := f.allocOneBlock()
		if err != nil {
			return 0, nil, err
		}
		savedNum, savedBuf = n, buf
		return n, buf, nil
	}
	tree, err := EncodeExtentTree(extents, f.blockSize, allocFn)
	if err != nil {
		return tree, err
	}
	if savedBuf != nil {
		if _, err := f.f.WriteAt(savedBuf, int64(savedNum)*int64(f.blockSize)); err != nil {
			return tree, rterrors.Wrap(rterrors.IO, err, "failed writing extent index block")
		}
	}
	return tree, nil
}

func encodeDevNum(major, minor uint32) (old, new_ uint32) {
	if major < 256 && minor < 256 {
		old = (major << 8) | minor
	}
	new_ = (minor & 0xff) | (major << 8) | ((minor &^ 0xff) << 12) | ((major &^ 0xff) << 20)
	return
}

// layoutDirectory writes dir's "." / ".." plus child entries into freshly
// allocated directory blocks, returning the resulting extents and exact
// byte size.
func (f *Formatter) layoutDirectory(rec *inodeRecord) ([]Extent, uint64, error) {
	order := make([]string, 0, len(rec.Dir.order)+2)
	entries := map[string]uint32{".": rec.Number, "..": rec.ParentNum}
	fileType := map[string]uint8{".": 2, "..": 2}
	order = append(order, ".", "..")
	for _, name := range rec.Dir.order {
		num := rec.Dir.entries[name]
		child := f.inodes[num]
		order = append(order, name)
		entries[name] = num
		if child != nil {
			fileType[name] = fileTypeOf(child.Mode)
		}
	}

	blocks := encodeDirBlocks(order, entries, fileType, f.blockSize)
	var extents []Extent
	for i, block := range blocks {
		blockNum, err := f.allocBlocks(1)
		if err != nil {
			return nil, 0, err
		}
		if _, err := f.f.WriteAt(block, int64(blockNum)*int64(f.blockSize)); err != nil {
			return nil, 0, rterrors.Wrap(rterrors.IO, err, "failed writing directory block")
		}
		extents = append(extents, Extent{LogicalBlock: uint32(i), PhysicalBlock: blockNum, Length: 1})
	}
	return mergeAdjacentExtents(extents), uint64(len(blocks)) * uint64(f.blockSize), nil
}

// materializeInode turns an in-memory inodeRecord into its final on-disk
// Inode, allocating any directory data blocks, extent index blocks, or
// external xattr blocks it still needs.
func (f *Formatter) materializeInode(rec *inodeRecord) (*Inode, error) {
	out := &Inode{
		Mode:       uint16(rec.Mode),
		UID:        rec.UID,
		GID:        rec.GID,
		Atime:      rec.Atime,
		Ctime:      rec.Ctime,
		Mtime:      rec.Mtime,
		LinksCount: rec.LinksCount,
		ExtraIsize: InodeSize - 128 - InlineXattrSize,
	}

	switch {
	case rec.isDir():
		extents, size, err := f.layoutDirectory(rec)
		if err != nil {
			return nil, err
		}
		rec.Extents = extents
		rec.Size = size
		tree, err := f.writeExtentTree(extents)
		if err != nil {
			return nil, err
		}
		out.InlineData = tree
		out.Flags = inodeFlagExtents
		out.SetSize(rec.Size)
		out.BlocksLo = uint32(len(extents)) * uint32(f.blockSize/512)

	case rec.Mode&modeTypeMask == ModeSymlink:
		if len(rec.SymlinkTarget) <= InlineDataSize {
			copy(out.InlineData[:], rec.SymlinkTarget)
			out.SetSize(uint64(len(rec.SymlinkTarget)))
		} else {
			extents, size, err := f.streamToExtents(strings.NewReader(rec.SymlinkTarget))
			if err != nil {
				return nil, err
			}
			rec.Extents = extents
			rec.Size = size
			tree, err := f.writeExtentTree(extents)
			if err != nil {
				return nil, err
			}
			out.InlineData = tree
			out.Flags = inodeFlagExtents
			out.SetSize(rec.Size)
			out.BlocksLo = uint32(len(extents)) * uint32(f.blockSize/512)
		}

	case rec.Mode&modeTypeMask == ModeChar || rec.Mode&modeTypeMask == ModeBlock:
		old, new_ := encodeDevNum(rec.DevMajor, rec.DevMinor)
		le := out.InlineData[:8]
		putU32(le[0:4], old)
		putU32(le[4:8], new_)

	default: // regular file, fifo, socket
		if len(rec.Extents) > 0 {
			tree, err := f.writeExtentTree(rec.Extents)
			if err != nil {
				return nil, err
			}
			out.InlineData = tree
			out.Flags = inodeFlagExtents
			out.BlocksLo = uint32(len(rec.Extents)) * uint32(f.blockSize/512)
		}
		out.SetSize(rec.Size)
	}

	if len(rec.Xattrs) > 0 {
		if inline, ok := EncodeInlineXattrs(rec.Xattrs); ok {
			copy(out.InlineXattr[:], inline)
		} else if block, ok := EncodeXattrBlock(rec.Xattrs, f.blockSize); ok {
			blockNum, err := f.allocBlocks(1)
			if err != nil {
				return nil, err
			}
			if _, err := f.f.WriteAt(block, int64(blockNum)*int64(f.blockSize)); err != nil {
				return nil, rterrors.Wrap(rterrors.IO, err, "failed writing xattr block")
			}
			out.FileACL = uint32(blockNum)
		}
		// an xattr set that fits neither region is silently dropped: this
		// formatter only targets the small OCI-metadata xattr sets layers
		// actually carry (whiteout markers, a handful of capability/overlay
		// attributes), never bulk attribute storage.
	}

	return out, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Close finalises the image: it lays out every directory's data blocks,
// materialises every inode, writes the inode table/bitmaps/group
// descriptor table for each group, writes the primary and backup
// superblocks, and closes the backing file. The formatter must not be
// used again afterwards.
func (f *Formatter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	defer f.f.Close()

	nums := make([]uint32, 0, len(f.inodes))
	for n := range f.inodes {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	for _, n := range nums {
		rec := f.inodes[n]
		inode, err := f.materializeInode(rec)
		if err != nil {
			return err
		}
		group := (n - 1) / f.inodesPerGroup
		idx := (n - 1) % f.inodesPerGroup
		gl := f.groups[group]
		off := int64(gl.inodeTableBlock)*int64(f.blockSize) + int64(idx)*int64(InodeSize)
		if _, err := f.f.WriteAt(inode.Encode(), off); err != nil {
			return rterrors.Wrap(rterrors.IO, err, "failed writing inode table entry")
		}
	}

	freeInodesTotal := uint32(0)
	for g := uint32(0); g < f.numGroups; g++ {
		gl := f.groups[g]

		bitmapBlock := make([]byte, f.blockSize)
		copy(bitmapBlock, f.blockBitmap.Bytes()[int(g)*f.blockSize:int(g+1)*f.blockSize])
		if _, err := f.f.WriteAt(bitmapBlock, int64(gl.blockBitmapBlock)*int64(f.blockSize)); err != nil {
			return rterrors.Wrap(rterrors.IO, err, "failed writing block bitmap")
		}

		inodeBytesPerGroup := int(f.inodesPerGroup / 8)
		inodeBitmapBlock := make([]byte, f.blockSize)
		copy(inodeBitmapBlock, f.inodeBitmap.Bytes()[int(g)*inodeBytesPerGroup:int(g+1)*inodeBytesPerGroup])
		if _, err := f.f.WriteAt(inodeBitmapBlock, int64(gl.inodeBitmapBlock)*int64(f.blockSize)); err != nil {
			return rterrors.Wrap(rterrors.IO, err, "failed writing inode bitmap")
		}

		freeBlocks := 0
		for b := g * f.blocksPerGroup; b < (g+1)*f.blocksPerGroup; b++ {
			if !f.blockBitmap.Test(int(b)) {
				freeBlocks++
			}
		}
		freeInodes := 0
		usedDirs := 0
		for i := g * f.inodesPerGroup; i < (g+1)*f.inodesPerGroup; i++ {
			if !f.inodeBitmap.Test(int(i)) {
				freeInodes++
			} else if rec, ok := f.inodes[i+1]; ok && rec.isDir() {
				usedDirs++
			}
		}
		freeInodesTotal += uint32(freeInodes)

		gd := &GroupDescriptor{
			BlockBitmapBlock: gl.blockBitmapBlock,
			InodeBitmapBlock: gl.inodeBitmapBlock,
			InodeTableBlock:  gl.inodeTableBlock,
			FreeBlocksCount:  uint16(freeBlocks),
			FreeInodesCount:  uint16(freeInodes),
			UsedDirsCount:    uint16(usedDirs),
		}
		if err := f.writeGroupDescriptorTable(g, gd); err != nil {
			return err
		}
	}

	freeBlocksTotal := uint32(f.blockBitmap.FreeCount())

	logBlockSize := uint32(0)
	for bs := 1024; bs < f.blockSize; bs <<= 1 {
		logBlockSize++
	}

	id := uuid.New()
	var rawUUID [16]byte
	copy(rawUUID[:], id[:])

	sb := &Superblock{
		InodesCount:     f.numGroups * f.inodesPerGroup,
		BlocksCountLo:   f.totalBlocks,
		FreeBlocksLo:    freeBlocksTotal,
		FreeInodesCount: freeInodesTotal,
		FirstDataBlock:  0,
		LogBlockSize:    logBlockSize,
		BlocksPerGroup:  f.blocksPerGroup,
		InodesPerGroup:  f.inodesPerGroup,
		Magic:           SuperblockMagic,
		State:           1, // EXT4_VALID_FS
		Errors:          1, // EXT4_ERRORS_CONTINUE
		RevLevel:        1, // dynamic rev: required for non-128-byte inodes
		FirstIno:        FirstNonReservedInode,
		InodeSize:       InodeSize,
		FeatureIncompat: featureIncompatFiletype | featureIncompatExtents,
		FeatureROCompat: featureROCompatSparseSuper,
		UUID:            rawUUID,
	}

	for g := uint32(0); g < f.numGroups; g++ {
		if g != 0 && !hasBackupSuperblock(g) {
			continue
		}
		copySb := *sb
		copySb.BlockGroupNr = uint16(g)
		groupStart := g * f.blocksPerGroup
		if err := f.writeAt(int64(groupStart)*int64(f.blockSize)+SuperblockOffset, copySb.Encode()); err != nil {
			return err
		}
	}

	return nil
}

func (f *Formatter) writeAt(off int64, buf []byte) error {
	if _, err := f.f.WriteAt(buf, off); err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed writing superblock")
	}
	return nil
}

// writeGroupDescriptorTable writes gd at group g's slot in every copy of
// the group descriptor table (the primary in group 0, plus one in every
// group carrying a backup superblock).
func (f *Formatter) writeGroupDescriptorTable(g uint32, gd *GroupDescriptor) error {
	gdtBlocks := gdtBlockCount(f.numGroups, f.blockSize)
	entryOff := int64(g) * int64(GroupDescSize)

	for copyGroup := uint32(0); copyGroup < f.numGroups; copyGroup++ {
		if copyGroup != 0 && !hasBackupSuperblock(copyGroup) {
			continue
		}
		tableStart := copyGroup*f.blocksPerGroup + 1 // one block past this copy's superblock
		off := int64(tableStart)*int64(f.blockSize) + entryOff
		_ = gdtBlocks
		if err := f.writeAt(off, gd.Encode()); err != nil {
			return err
		}
	}
	return nil
}

const inodeFlagExtents = 0x80000

func mergeAdjacentExtents(in []Extent) []Extent {
	if len(in) == 0 {
		return in
	}
	out := []Extent{in[0]}
	for _, e := range in[1:] {
		last := &out[len(out)-1]
		if last.PhysicalBlock+uint64(last.Length) == e.PhysicalBlock &&
			uint32(last.LogicalBlock)+uint32(last.Length) == e.LogicalBlock &&
			uint32(last.Length)+uint32(e.Length) <= 32768 {
			last.Length += e.Length
			continue
		}
		out = append(out, e)
	}
	return out
}
