package ext4

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestImage(t *testing.T) (*Formatter, string) {
	t.Helper()
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "rootfs.ext4")
	f, err := Open(nil, imgPath, DefaultBlockSize, 0)
	require.NoError(t, err)
	return f, imgPath
}

func TestCreateRegularFileRoundTrip(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/etc/hostname", ModeRegular|0o644, bytes.NewBufferString("box\n"), CreateOpts{UID: 0, GID: 0}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()

	num, err := r.Lookup("/etc/hostname")
	require.NoError(t, err)
	inode, err := r.GetInode(num)
	require.NoError(t, err)
	require.Equal(t, uint16(ModeRegular), inode.FileType())
	data, err := r.readFileData(inode)
	require.NoError(t, err)
	require.Equal(t, "box\n", string(data))
}

func TestCreateDirectoryAutoVivifiesParents(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/a/b/c", ModeRegular|0o644, bytes.NewBufferString("x"), CreateOpts{}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.Exists("/a"))
	require.True(t, r.Exists("/a/b"))
	require.True(t, r.Exists("/a/b/c"))

	aNum, err := r.Lookup("/a")
	require.NoError(t, err)
	aInode, err := r.GetInode(aNum)
	require.NoError(t, err)
	require.Equal(t, uint16(ModeDir), aInode.FileType())
}

func TestSymlinkInlineAndLong(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.CreateSymlink("/bin/sh", "busybox", 0o777, CreateOpts{}))
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	require.NoError(t, f.CreateSymlink("/bin/long", string(long), 0o777, CreateOpts{}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()

	num, err := r.Lookup("/bin/sh")
	require.NoError(t, err)
	target, err := r.ReadSymlink(num)
	require.NoError(t, err)
	require.Equal(t, "busybox", target)

	numLong, err := r.Lookup("/bin/long")
	require.NoError(t, err)
	targetLong, err := r.ReadSymlink(numLong)
	require.NoError(t, err)
	require.Equal(t, string(long), targetLong)
}

func TestHardLinkSharesInode(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/bin/busybox", ModeRegular|0o755, bytes.NewBufferString("binary"), CreateOpts{}))
	require.NoError(t, f.Link("/bin/sh", "/bin/busybox"))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()

	n1, err := r.Lookup("/bin/busybox")
	require.NoError(t, err)
	n2, err := r.Lookup("/bin/sh")
	require.NoError(t, err)
	require.Equal(t, n1, n2)

	inode, err := r.GetInode(n1)
	require.NoError(t, err)
	require.Equal(t, uint16(2), inode.LinksCount)
}

func TestUnlinkRemovesEntry(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/tmp/file", ModeRegular|0o644, bytes.NewBufferString("x"), CreateOpts{}))
	require.NoError(t, f.Unlink("/tmp/file", false))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()
	require.False(t, r.Exists("/tmp/file"))
	require.True(t, r.Exists("/tmp"))
}

func TestUnlinkOpaqueWhiteoutEmptiesDirectory(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/dir2/file1", ModeRegular|0o644, bytes.NewBufferString("a"), CreateOpts{}))
	require.NoError(t, f.Create("/dir2/file2", ModeRegular|0o644, bytes.NewBufferString("b"), CreateOpts{}))
	require.NoError(t, f.Unlink("/dir2", true))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Exists("/dir2"))
	require.False(t, r.Exists("/dir2/file1"))
	require.False(t, r.Exists("/dir2/file2"))
	children, err := r.Lookup("/dir2")
	require.NoError(t, err)
	entries, err := r.Children(children)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestUnlinkRootIsRejected(t *testing.T) {
	f, _ := newTestImage(t)
	err := f.Unlink("/", false)
	require.Error(t, err)
}

func TestLastEntryWinsOnCreate(t *testing.T) {
	f, imgPath := newTestImage(t)
	require.NoError(t, f.Create("/x", ModeRegular|0o644, bytes.NewBufferString("first"), CreateOpts{}))
	require.NoError(t, f.Create("/x", ModeRegular|0o644, bytes.NewBufferString("second"), CreateOpts{}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()
	num, err := r.Lookup("/x")
	require.NoError(t, err)
	inode, err := r.GetInode(num)
	require.NoError(t, err)
	data, err := r.readFileData(inode)
	require.NoError(t, err)
	require.Equal(t, "second", string(data))
}

func TestMultiBlockFileRoundTrip(t *testing.T) {
	f, imgPath := newTestImage(t)
	big := bytes.Repeat([]byte("y"), DefaultBlockSize*20)
	require.NoError(t, f.Create("/big", ModeRegular|0o644, bytes.NewReader(big), CreateOpts{}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()
	num, err := r.Lookup("/big")
	require.NoError(t, err)
	inode, err := r.GetInode(num)
	require.NoError(t, err)
	data, err := r.readFileData(inode)
	require.NoError(t, err)
	require.Equal(t, big, data)
}

func TestXattrInlineAndBlockRoundTrip(t *testing.T) {
	f, imgPath := newTestImage(t)
	small := map[string]string{"user.a": "1"}
	big := map[string]string{}
	for i := 0; i < 20; i++ {
		big["user.attr"+string(rune('a'+i))] = "a-very-long-value-that-will-not-fit-inline-0123456789"
	}
	require.NoError(t, f.Create("/small", ModeRegular|0o644, bytes.NewBufferString("s"), CreateOpts{Xattrs: small}))
	require.NoError(t, f.Create("/big", ModeRegular|0o644, bytes.NewBufferString("b"), CreateOpts{Xattrs: big}))
	require.NoError(t, f.Close())

	r, err := OpenReader(imgPath)
	require.NoError(t, err)
	defer r.Close()

	smallNum, err := r.Lookup("/small")
	require.NoError(t, err)
	smallInode, err := r.GetInode(smallNum)
	require.NoError(t, err)
	gotSmall, err := r.xattrsOf(smallInode)
	require.NoError(t, err)
	require.Equal(t, small, gotSmall)

	bigNum, err := r.Lookup("/big")
	require.NoError(t, err)
	bigInode, err := r.GetInode(bigNum)
	require.NoError(t, err)
	require.NotZero(t, bigInode.FileACL)
	gotBig, err := r.xattrsOf(bigInode)
	require.NoError(t, err)
	require.Equal(t, big, gotBig)
}

func TestCyclicWhiteoutIsRejectedNotInfinite(t *testing.T) {
	f, _ := newTestImage(t)
	require.NoError(t, f.Create("/_d", ModeDir|0o755, nil, CreateOpts{}))
	err := f.CreateSymlink("/", "/_", 0o777, CreateOpts{})
	require.Error(t, err)
	err = f.Create("/_", ModeDir|0o755, nil, CreateOpts{})
	require.NoError(t, err)
	err = f.CreateSymlink("/", "/_", 0o777, CreateOpts{})
	require.Error(t, err)
}

func TestBackupSuperblocksPresentInDesignatedGroups(t *testing.T) {
	f, imgPath := newTestImage(t)
	// Force image growth to several groups worth of inodes so group 1
	// (always a backup candidate) actually exists.
	for i := 0; i < 5000; i++ {
		require.NoError(t, f.Create("/f"+itoa(i), ModeRegular|0o644, bytes.NewBufferString("x"), CreateOpts{}))
	}
	require.NoError(t, f.Close())

	imgFile, err := os.Open(imgPath)
	require.NoError(t, err)
	defer imgFile.Close()

	info, err := imgFile.Stat()
	require.NoError(t, err)
	require.True(t, info.Size() > int64(DefaultBlockSize)*int64(blocksPerGroup(DefaultBlockSize)))

	primary := make([]byte, SuperblockSize)
	_, err = imgFile.ReadAt(primary, SuperblockOffset)
	require.NoError(t, err)
	sb := DecodeSuperblock(primary)
	require.Equal(t, uint16(SuperblockMagic), sb.Magic)

	backup := make([]byte, SuperblockSize)
	backupOff := int64(blocksPerGroup(DefaultBlockSize))*DefaultBlockSize + SuperblockOffset
	_, err = imgFile.ReadAt(backup, backupOff)
	require.NoError(t, err)
	backupSb := DecodeSuperblock(backup)
	require.Equal(t, uint16(SuperblockMagic), backupSb.Magic)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
