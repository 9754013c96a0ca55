package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const xattrPAXPrefix = "SCHILY.xattr."

// OpenTar wraps src as a Reader over its tar member stream, applying the
// given compression filter first.
//
// Per §6, a zstd-compressed input is fully decompressed to a temporary
// file before the tar reader ever sees it; gzip is streamed directly
// since compress/gzip already supports sequential reads without seeking.
// The caller owns closing the returned io.Closer (a no-op for gzip/none,
// and removal-on-close for the zstd staging file).
func OpenTar(src io.Reader, compression Compression) (Reader, io.Closer, error) {
	switch compression {
	case CompressionNone:
		return &tarReader{r: tar.NewReader(src)}, io.NopCloser(nil), nil
	case CompressionGzip:
		gz, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed opening gzip stream")
		}
		return &tarReader{r: tar.NewReader(gz)}, gz, nil
	case CompressionZstd:
		tmp, err := stageZstdToTemp(src)
		if err != nil {
			return nil, nil, err
		}
		return &tarReader{r: tar.NewReader(tmp)}, &removeOnClose{f: tmp}, nil
	default:
		return nil, nil, errors.Errorf("unknown compression filter %d", compression)
	}
}

// stageZstdToTemp decompresses src fully into a temp file and rewinds it,
// matching §6's "decompressed to a temporary file" requirement.
func stageZstdToTemp(src io.Reader) (*os.File, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, errors.Wrap(err, "failed opening zstd stream")
	}
	defer dec.Close()

	tmp, err := os.CreateTemp("", "ext4-layer-*.tar")
	if err != nil {
		return nil, errors.Wrap(err, "failed creating zstd staging file")
	}
	if _, err := io.Copy(tmp, dec); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "failed staging decompressed zstd layer")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "failed rewinding zstd staging file")
	}
	return tmp, nil
}

type removeOnClose struct{ f *os.File }

func (r *removeOnClose) Close() error {
	name := r.f.Name()
	err := r.f.Close()
	_ = os.Remove(name)
	return err
}

type tarReader struct {
	r *tar.Reader
}

func (t *tarReader) Next() (*Entry, io.Reader, error) {
	hdr, err := t.r.Next()
	if err != nil {
		return nil, nil, err // io.EOF propagates unwrapped so callers can test it directly
	}
	return headerToEntry(hdr), t.r, nil
}

func headerToEntry(hdr *tar.Header) *Entry {
	e := &Entry{
		Path:     strings.TrimPrefix(hdr.Name, "./"),
		Mode:     uint32(hdr.Mode),
		UID:      hdr.Uid,
		GID:      hdr.Gid,
		Size:     hdr.Size,
		Linkname: hdr.Linkname,
		ModTime:  hdr.ModTime,
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		e.Type = TypeDirectory
	case tar.TypeSymlink:
		e.Type = TypeSymlink
	case tar.TypeReg, tar.TypeRegA:
		e.Type = TypeRegular
	case tar.TypeLink:
		e.Type = TypeHardlink
	case tar.TypeChar, tar.TypeBlock:
		e.Type = TypeDevice
		e.IsBlockDevice = hdr.Typeflag == tar.TypeBlock
		e.DevMajor = uint32(hdr.Devmajor)
		e.DevMinor = uint32(hdr.Devminor)
	case tar.TypeFifo:
		e.Type = TypeFIFO
	default:
		e.Type = TypeOther
	}
	if len(hdr.PAXRecords) > 0 {
		xattrs := map[string]string{}
		for k, v := range hdr.PAXRecords {
			if name, ok := strings.CutPrefix(k, xattrPAXPrefix); ok {
				xattrs[name] = v
			}
		}
		if len(xattrs) > 0 {
			e.Xattrs = xattrs
		}
	}
	return e
}
