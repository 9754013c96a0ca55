package ext4

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/combust-labs/containervisor/pkg/archive"
	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// OpenerFunc constructs a fresh archive.Reader plus its closer over the
// layer's content. Unpack calls it twice (once per pass), so each call
// must return a reader positioned at the start of the layer;
// UnpackTarFile does this by reopening the tarball on disk every time.
type OpenerFunc func() (archive.Reader, io.Closer, error)

// Unpack ingests one OCI layer tarball (§4.C). It makes two passes over
// opener's content: the first sums regular-file payload bytes (for the
// AddTotalSize progress event), the second applies every entry (whiteout,
// create, or link) and emits one AddSize/AddItems pair per entry it
// applies. Entries with an empty path, and entries that fail to apply,
// emit no progress events.
func (f *Formatter) Unpack(ctx context.Context, opener OpenerFunc, progress ProgressFunc) error {
	if progress == nil {
		progress = func(ProgressEvent) {}
	}

	total, err := sumRegularFileSizes(ctx, opener)
	if err != nil {
		return err
	}
	progress(ProgressEvent{Kind: AddTotalSize, Value: total})

	rdr, closer, err := opener()
	if err != nil {
		return rterrors.Wrap(rterrors.IO, err, "failed reopening layer for unpack second pass")
	}
	defer closer.Close()

	var rejectedXattrs *multierror.Error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry, r, nextErr := rdr.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return rterrors.Wrap(rterrors.IO, nextErr, "failed reading layer member")
		}

		cleanPath := normalizeLayerPath(entry.Path)
		if cleanPath == "" {
			continue
		}

		if err := f.applyLayerEntry(cleanPath, entry, r); err != nil {
			rejectedXattrs = multierror.Append(rejectedXattrs, errors.Wrapf(err, "entry %q", entry.Path))
			continue
		}

		size := entry.Size
		if entry.Type != archive.TypeRegular {
			size = 0
		}
		progress(ProgressEvent{Kind: AddSize, Value: size})
		progress(ProgressEvent{Kind: AddItems, Value: 1})
	}

	return rejectedXattrs.ErrorOrNil()
}

// UnpackTarFile is the common-case convenience wrapper over Unpack for a
// layer tarball that already lives on disk: each of Unpack's two passes
// reopens the file from the start, which is what "source" means when
// spec.md's unpack(source, format, compression, progress?) signature is
// given a path rather than a one-shot stream.
func (f *Formatter) UnpackTarFile(ctx context.Context, tarPath string, compression archive.Compression, progress ProgressFunc) error {
	opener := func() (archive.Reader, io.Closer, error) {
		file, err := os.Open(tarPath)
		if err != nil {
			return nil, nil, rterrors.Wrapf(rterrors.IO, err, "failed opening layer tarball %q", tarPath)
		}
		rdr, closer, err := archive.OpenTar(file, compression)
		if err != nil {
			file.Close()
			return nil, nil, err
		}
		return rdr, multiCloser{file, closer}, nil
	}
	return f.Unpack(ctx, opener, progress)
}

type multiCloser struct {
	a, b io.Closer
}

func (m multiCloser) Close() error {
	err1 := m.b.Close()
	err2 := m.a.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func sumRegularFileSizes(ctx context.Context, opener OpenerFunc) (int64, error) {
	rdr, closer, err := opener()
	if err != nil {
		return 0, rterrors.Wrap(rterrors.IO, err, "failed opening layer for unpack first pass")
	}
	defer closer.Close()

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		entry, _, nextErr := rdr.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return 0, rterrors.Wrap(rterrors.IO, nextErr, "failed reading layer member")
		}
		if entry.Type == archive.TypeRegular {
			total += entry.Size
		}
	}
	return total, nil
}

// normalizeLayerPath collapses duplicate slashes and strips a leading
// "./" or "/"; "." and "" both mean "nothing to do" (matching pkg/archive's
// normalizeMemberPath, duplicated here to keep the two packages decoupled).
func normalizeLayerPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = path.Clean(p)
	if p == "." || p == "" {
		return ""
	}
	return p
}

func (f *Formatter) applyLayerEntry(cleanPath string, entry *archive.Entry, r io.Reader) error {
	isOpaque, isFileWhiteout, actOn := classifyWhiteout(cleanPath)
	if isOpaque {
		return f.Unlink("/"+actOn, true)
	}
	if isFileWhiteout {
		return f.Unlink("/"+actOn, false)
	}

	p := "/" + cleanPath
	opts := CreateOpts{
		UID:      uint32(entry.UID),
		GID:      uint32(entry.GID),
		Mtime:    entry.ModTime,
		Xattrs:   entry.Xattrs,
		DevMajor: entry.DevMajor,
		DevMinor: entry.DevMinor,
	}

	switch entry.Type {
	case archive.TypeDirectory:
		return f.Create(p, ModeDir|(entry.Mode&0o7777), nil, opts)
	case archive.TypeRegular:
		return f.Create(p, ModeRegular|(entry.Mode&0o7777), r, opts)
	case archive.TypeSymlink:
		return f.CreateSymlink(p, entry.Linkname, entry.Mode&0o7777, opts)
	case archive.TypeHardlink:
		return f.Link(p, "/"+normalizeLayerPath(entry.Linkname))
	case archive.TypeDevice:
		mode := uint32(ModeChar)
		if entry.IsBlockDevice {
			mode = ModeBlock
		}
		return f.Create(p, mode|(entry.Mode&0o7777), nil, opts)
	case archive.TypeFIFO:
		return f.Create(p, ModeFIFO|(entry.Mode&0o7777), nil, opts)
	case archive.TypeSocket:
		return f.Create(p, ModeSocket|(entry.Mode&0o7777), nil, opts)
	default:
		// Anything else this in-memory tree can't represent; accumulated
		// as a non-fatal rejection by the caller.
		return rterrors.New(rterrors.Unsupported, "unsupported layer entry type")
	}
}
