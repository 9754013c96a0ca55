package ext4

import "strings"

const (
	whiteoutPrefix = ".wh."
	opaqueMarker   = ".wh..wh..opq"
)

// classifyWhiteout inspects one normalised tar member path and reports
// whether it is an opaque-directory marker or a file whiteout, returning
// the path unpack should act on (the parent directory for an opaque
// marker, or the shadowed sibling path for a file whiteout).
func classifyWhiteout(cleanPath string) (isOpaque bool, isFileWhiteout bool, actOn string) {
	dir, base := splitBase(cleanPath)
	if base == opaqueMarker {
		return true, false, dir
	}
	if strings.HasPrefix(base, whiteoutPrefix) {
		shadowed := base[len(whiteoutPrefix):]
		if dir == "" {
			return false, true, shadowed
		}
		return false, true, dir + "/" + shadowed
	}
	return false, false, cleanPath
}

// splitBase splits a clean, slash-separated (no leading slash) path into
// its parent directory (possibly empty, meaning root) and final component.
func splitBase(p string) (dir, base string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}
