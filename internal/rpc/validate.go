package rpc

import (
	"encoding/json"
	"path/filepath"
	"strings"
)

// unmarshalParams decodes raw into dst, rejecting malformed JSON with
// INVALID_PARAMS. A null or absent params block decodes into the zero
// value, letting handlers enforce their own required fields.
func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return Errorf(CodeInvalidParams, "malformed params: %s", err)
	}
	return nil
}

// validatePath rejects path-shaped fields carrying null bytes, relative
// paths, or traversal components. An empty path is
// allowed here; handlers that require one check separately.
func validatePath(path string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) {
		return Errorf(CodeInvalidParams, "path contains a null byte")
	}
	if !filepath.IsAbs(path) {
		return Errorf(CodeInvalidParams, "path must be absolute: %q", path)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return Errorf(CodeInvalidParams, "path must not contain ..: %q", path)
		}
	}
	return nil
}

// requireField returns INVALID_PARAMS naming the missing field when value
// is empty.
func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return Errorf(CodeInvalidParams, "missing required field %q", name)
	}
	return nil
}
