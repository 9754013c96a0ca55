package archive

import (
	"archive/zip"
	"io"
	"os"

	"github.com/pkg/errors"
)

// OpenZip wraps path as a Reader over its zip member stream, for bundled
// asset extraction (§6). Zip's central directory requires random access,
// so unlike OpenTar this takes a path rather than a stream.
func OpenZip(path string) (Reader, io.Closer, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed opening zip archive %q", path)
	}
	return &zipReader{files: zr.File}, zr, nil
}

type zipReader struct {
	files  []*zip.File
	idx    int
	cur    io.ReadCloser
}

func (z *zipReader) Next() (*Entry, io.Reader, error) {
	if z.cur != nil {
		z.cur.Close()
		z.cur = nil
	}
	if z.idx >= len(z.files) {
		return nil, nil, io.EOF
	}
	f := z.files[z.idx]
	z.idx++

	rc, err := f.Open()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed opening zip member %q", f.Name)
	}
	z.cur = rc

	e := &Entry{
		Path:    f.Name,
		Mode:    uint32(f.Mode().Perm()),
		Size:    int64(f.UncompressedSize64),
		ModTime: f.Modified,
	}
	switch {
	case f.Mode().IsDir():
		e.Type = TypeDirectory
	case f.Mode()&os.ModeSymlink != 0:
		e.Type = TypeSymlink
	case f.Mode().IsRegular():
		e.Type = TypeRegular
	default:
		e.Type = TypeOther
	}
	return e, rc, nil
}
