package archive

import (
	"context"
	"io"
	"os"
	"path"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/combust-labs/containervisor/pkg/rterrors"
)

// Extract materialises every entry of rdr under root without ever
// following a symlink outside root, per §4.B. It returns the list of
// member paths that were rejected as unsafe or unsupported; rejection is
// non-fatal and accumulates. Only host I/O failures abort the whole
// operation.
func Extract(ctx context.Context, logger hclog.Logger, rdr Reader, root string) ([]string, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed creating extraction root %q", root)
	}

	rootFd, err := unix.Open(root, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return nil, rterrors.Wrapf(rterrors.IO, err, "failed opening extraction root %q", root)
	}
	defer unix.Close(rootFd)

	var rejected []string
	entryCount := 0

	for {
		if err := ctx.Err(); err != nil {
			return rejected, err
		}

		entry, r, nextErr := rdr.Next()
		if nextErr == io.EOF {
			break
		}
		if nextErr != nil {
			return rejected, rterrors.Wrap(rterrors.IO, nextErr, "failed reading archive member")
		}
		entryCount++

		cleanPath := normalizeMemberPath(entry.Path)
		if cleanPath == "" || escapesRoot(cleanPath) {
			logger.Debug("rejecting archive member: escapes root", "path", entry.Path)
			rejected = append(rejected, entry.Path)
			continue
		}
		// securejoin independently computes the symlink-safe host path for
		// this member, clamped to root the same way a chroot would. It
		// never escapes root by construction, so it cannot itself reject a
		// traversal attempt — the openat(..., O_NOFOLLOW) walk below is the
		// authoritative check (§4.B) — but a failure here means the host
		// filesystem could not even be inspected (e.g. an I/O error while
		// stat'ing an intermediate component), which is reason enough to
		// reject this member rather than risk a racy openat retry.
		if safePath, secErr := securejoin.SecureJoin(root, cleanPath); secErr != nil {
			logger.Debug("rejecting archive member: securejoin pre-check failed", "path", entry.Path, "reason", secErr)
			rejected = append(rejected, entry.Path)
			continue
		} else {
			logger.Trace("resolved safe host path", "path", entry.Path, "safe-path", safePath)
		}

		parentFd, base, rejectReason, resolveErr := resolveParent(rootFd, cleanPath)
		if resolveErr != nil {
			return rejected, rterrors.Wrapf(rterrors.IO, resolveErr, "failed resolving parent directory for %q", entry.Path)
		}
		if rejectReason != "" {
			logger.Debug("rejecting archive member", "path", entry.Path, "reason", rejectReason)
			rejected = append(rejected, entry.Path)
			continue
		}
		if entry.Type != TypeRegular && entry.Type != TypeDirectory && entry.Type != TypeSymlink {
			// Devices, fifos, sockets, and hardlinks are rejected here
			// unconditionally (§4.B) — only the EXT4 unpacker (§4.C) is
			// allowed to materialise them, since it never touches a real
			// host directory tree.
			unix.Close(parentFd)
			logger.Debug("rejecting archive member: unsupported type", "path", entry.Path)
			rejected = append(rejected, entry.Path)
			continue
		}

		if applyErr := applyEntry(parentFd, base, entry, r); applyErr != nil {
			unix.Close(parentFd)
			return rejected, applyErr
		}
		unix.Close(parentFd)
	}

	if entryCount == 0 {
		return nil, rterrors.New(rterrors.Format, "empty archive")
	}

	return rejected, nil
}

// normalizeMemberPath collapses duplicate slashes, strips a leading "./"
// or "/", and returns "" for paths that are empty or resolve to "." —
// both treated as "nothing to extract" for that entry.
func normalizeMemberPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = path.Clean(p)
	if p == "." || p == "" {
		return ""
	}
	return p
}

// escapesRoot reports whether any component of the cleaned path is ".."
// — after path.Clean, a leading ".." component (or a path made entirely
// of them) means the original path tried to climb above root.
func escapesRoot(cleanPath string) bool {
	for _, c := range strings.Split(cleanPath, "/") {
		if c == ".." {
			return true
		}
	}
	return false
}

// resolveParent walks cleanPath's directory components from rootFd using
// openat(..., O_NOFOLLOW|O_DIRECTORY), creating missing intermediate
// directories as it goes. It returns the parent directory fd (caller
// closes it), the final path component, and a non-empty rejectReason if
// any intermediate component is a symlink or otherwise not a traversable
// directory. A non-nil error indicates a fatal host I/O failure.
func resolveParent(rootFd int, cleanPath string) (parentFd int, base string, rejectReason string, err error) {
	parts := strings.Split(cleanPath, "/")
	base = parts[len(parts)-1]
	dirs := parts[:len(parts)-1]

	cur := rootFd
	closeCur := false
	defer func() {
		if closeCur && (rejectReason != "" || err != nil) {
			unix.Close(cur)
		}
	}()

	for _, d := range dirs {
		fd, openErr := unix.Openat(cur, d, unix.O_NOFOLLOW|unix.O_DIRECTORY|unix.O_RDONLY, 0)
		if openErr == unix.ENOENT {
			if mkErr := unix.Mkdirat(cur, d, 0o755); mkErr != nil && mkErr != unix.EEXIST {
				if closeCur {
					unix.Close(cur)
				}
				return -1, "", "", mkErr
			}
			fd, openErr = unix.Openat(cur, d, unix.O_NOFOLLOW|unix.O_DIRECTORY|unix.O_RDONLY, 0)
		}
		if openErr == unix.ELOOP || openErr == unix.ENOTDIR {
			if closeCur {
				unix.Close(cur)
			}
			return -1, "", "path component is a symlink or not a directory", nil
		}
		if openErr != nil {
			if closeCur {
				unix.Close(cur)
			}
			return -1, "", "", openErr
		}
		if closeCur {
			unix.Close(cur)
		}
		cur = fd
		closeCur = true
	}

	if !closeCur {
		// No intermediate components: the parent is root itself. Dup it so
		// the caller can unconditionally close what it gets back.
		dupFd, dupErr := unix.Dup(cur)
		if dupErr != nil {
			return -1, "", "", dupErr
		}
		return dupFd, base, "", nil
	}
	return cur, base, "", nil
}

// applyEntry materialises a single resolved entry under parentFd/base.
func applyEntry(parentFd int, base string, entry *Entry, r io.Reader) error {
	switch entry.Type {
	case TypeDirectory:
		if err := unix.Mkdirat(parentFd, base, entry.Mode&0o777); err != nil && err != unix.EEXIST {
			return rterrors.Wrapf(rterrors.IO, err, "failed creating directory %q", entry.Path)
		}
		chownIfPrivileged(parentFd, base, entry.UID, entry.GID)
		return nil

	case TypeSymlink:
		target := entry.Linkname
		if target == "" && r != nil {
			buf, err := io.ReadAll(r)
			if err != nil {
				return rterrors.Wrapf(rterrors.IO, err, "failed reading symlink target for %q", entry.Path)
			}
			target = string(buf)
		}
		if err := symlinkatLastWins(parentFd, base, target); err != nil {
			return rterrors.Wrapf(rterrors.IO, err, "failed creating symlink %q", entry.Path)
		}
		return nil

	case TypeRegular:
		fd, err := openRegularLastWins(parentFd, base, entry.Mode)
		if err != nil {
			return rterrors.Wrapf(rterrors.IO, err, "failed creating file %q", entry.Path)
		}
		f := os.NewFile(uintptr(fd), base)
		defer f.Close()
		if _, err := io.Copy(f, r); err != nil {
			return rterrors.Wrapf(rterrors.IO, err, "failed to read data for: %s", entry.Path)
		}
		chownIfPrivileged(parentFd, base, entry.UID, entry.GID)
		return nil

	default:
		// The caller rejects TypeOther before calling applyEntry.
		return nil
	}
}

func symlinkatLastWins(parentFd int, base, target string) error {
	err := unix.Symlinkat(target, parentFd, base)
	if err == unix.EEXIST {
		if unlinkErr := unix.Unlinkat(parentFd, base, 0); unlinkErr != nil {
			return unlinkErr
		}
		err = unix.Symlinkat(target, parentFd, base)
	}
	return err
}

func openRegularLastWins(parentFd int, base string, mode uint32) (int, error) {
	fd, err := unix.Openat(parentFd, base, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW, mode&0o777)
	if err == unix.EEXIST {
		if unlinkErr := unix.Unlinkat(parentFd, base, 0); unlinkErr != nil {
			return -1, unlinkErr
		}
		fd, err = unix.Openat(parentFd, base, unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW, mode&0o777)
	}
	return fd, err
}

// chownIfPrivileged best-effort applies ownership. Extraction commonly
// runs unprivileged in tests and CI; §4.B's "permission errors are
// fatal" is honoured for the data-path writes (open/mkdir/symlink) but
// ownership changes are skipped entirely when not running as root so an
// unprivileged extraction of a privileged-owned archive does not abort.
func chownIfPrivileged(parentFd int, base string, uid, gid int) {
	if os.Geteuid() != 0 {
		return
	}
	_ = unix.Fchownat(parentFd, base, uid, gid, unix.AT_SYMLINK_NOFOLLOW)
}
