// Package archive provides the archive abstraction shared by the secure
// extractor and the EXT4 formatter's layer unpacker: a single iterator
// interface over tar (ustar/PAX/v7, optionally gzip- or zstd-compressed)
// and zip members, carrying exactly the metadata both consumers need
// (path, type, mode, ownership, size, symlink target, xattrs, mtime).
package archive

import (
	"io"
	"time"
)

// FileType classifies an archive member.
type FileType int

// Member types the extractor and formatter understand. The extractor
// (§4.B) only ever creates TypeRegular/TypeDirectory/TypeSymlink members
// on disk; every other type is rejected. The EXT4 unpacker (§4.C) additionally
// handles TypeHardlink, TypeDevice, TypeFIFO, and TypeSocket, since an
// EXT4 image is built purely in its own address space and carries no
// host-escape risk the way writing to a real directory tree does.
const (
	TypeRegular FileType = iota
	TypeDirectory
	TypeSymlink
	TypeHardlink
	TypeDevice
	TypeFIFO
	TypeSocket
	TypeOther
)

// DevMajor/DevMinor are only meaningful when Type is TypeDevice.

// Entry describes one archive member. Xattrs keys are the bare attribute
// name (e.g. "user.foo"), matching the PAX "SCHILY.xattr." / go-tar
// PAXRecords convention with the prefix stripped.
type Entry struct {
	Path     string
	Type     FileType
	Mode     uint32
	UID      int
	GID      int
	Size     int64
	Linkname string // symlink target, or the existing member path for TypeHardlink
	Xattrs   map[string]string
	ModTime  time.Time

	// IsBlockDevice distinguishes a block device from a character device
	// when Type is TypeDevice.
	IsBlockDevice bool
	// DevMajor/DevMinor are only meaningful when Type is TypeDevice.
	DevMajor uint32
	DevMinor uint32
}

// Reader iterates archive members in storage order. Next returns
// io.EOF when the archive is exhausted. The io.Reader returned alongside
// an Entry is valid only until the next call to Next; callers must fully
// drain or discard it before advancing.
type Reader interface {
	Next() (*Entry, io.Reader, error)
}

// Compression identifies the outer compression filter applied to a tar
// stream, per §6 (gzip or zstd; zip is never compressed at this layer,
// each zip member carries its own DEFLATE framing internally).
type Compression int

// Supported compression filters.
const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)
