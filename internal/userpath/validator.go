package userpath

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Path validation limits
const (
	MaxPathLength = 1024
)

var (
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidPrefix = errors.New("invalid user prefix")
)

var (
	// Leading user-{digits}/ segment, e.g. "user-123/docs/note.md"
	userPrefixRegex  = regexp.MustCompile(`^user-(\d+)/`)
	exactPrefixRegex = regexp.MustCompile(`^user-(\d+)/$`)

	// Characters that are never allowed in object paths
	forbiddenCharsRegex = regexp.MustCompile(`[<>:"|?*;&]`)
)

// dangerousExtensions lists file extensions that are always rejected,
// independent of any grant-level allowlist.
var dangerousExtensions = map[string]bool{
	"exe": true, "bat": true, "cmd": true, "com": true, "scr": true,
	"pif": true, "jar": true, "app": true, "deb": true, "rpm": true,
	"dmg": true, "pkg": true, "msi": true, "iso": true, "bin": true,
	"sh": true, "py": true, "php": true, "asp": true, "jsp": true,
}

// ValidatePath normalizes and validates an object path. It returns the
// normalized path on success. Traversal sequences are checked on the
// normalized string, since normalizing OS-style separators can itself
// produce "../".
func ValidatePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: path is empty", ErrInvalidPath)
	}

	if len(path) > MaxPathLength {
		return "", fmt.Errorf("%w: path exceeds %d characters", ErrInvalidPath, MaxPathLength)
	}

	// Normalize separators before any structural checks
	normalized := strings.ReplaceAll(path, "\\", "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}

	if strings.HasPrefix(normalized, "/") {
		return "", fmt.Errorf("%w: absolute paths are not allowed", ErrInvalidPath)
	}

	// Traversal check runs on the normalized string
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: path traversal detected", ErrInvalidPath)
		}
	}

	for _, r := range normalized {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in path", ErrInvalidPath)
		}
	}

	if forbiddenCharsRegex.MatchString(normalized) {
		return "", fmt.Errorf("%w: forbidden character in path", ErrInvalidPath)
	}

	if ext := Extension(normalized); ext != "" && dangerousExtensions[ext] {
		return "", fmt.Errorf("%w: file extension %q is not allowed", ErrInvalidPath, ext)
	}

	return normalized, nil
}

// ValidateUserPrefix validates a namespace prefix of the exact form
// "user-{id}/" and returns it normalized.
func ValidateUserPrefix(prefix string) (string, error) {
	normalized := strings.ReplaceAll(prefix, "\\", "/")
	for strings.Contains(normalized, "//") {
		normalized = strings.ReplaceAll(normalized, "//", "/")
	}

	matches := exactPrefixRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return "", fmt.Errorf("%w: prefix must match user-{id}/", ErrInvalidPrefix)
	}

	id, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil || id < 0 {
		return "", fmt.Errorf("%w: user id out of range", ErrInvalidPrefix)
	}

	return normalized, nil
}

// ExtractUserID parses the owning user id from the leading user-{id}/
// segment of a path. It performs no full validation and returns false on
// any mismatch.
func ExtractUserID(path string) (int64, bool) {
	matches := userPrefixRegex.FindStringSubmatch(path)
	if matches == nil {
		return 0, false
	}

	id, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}

	return id, true
}

// BuildUserPath joins a user namespace prefix with a relative sub-path.
// The result is not validated; callers pass it through ValidatePath.
func BuildUserPath(userID int64, sub string) string {
	return fmt.Sprintf("user-%d/%s", userID, strings.TrimPrefix(sub, "/"))
}

// UserPrefix returns the namespace prefix for a user.
func UserPrefix(userID int64) string {
	return fmt.Sprintf("user-%d/", userID)
}

// IsPathAllowed reports whether resourcePath validates and falls under
// allowedPrefix. Both inputs must independently validate; any failure
// yields false rather than an error.
func IsPathAllowed(resourcePath, allowedPrefix string) bool {
	normalizedPath, err := ValidatePath(resourcePath)
	if err != nil {
		return false
	}

	normalizedPrefix, err := ValidateUserPrefix(allowedPrefix)
	if err != nil {
		return false
	}

	return strings.HasPrefix(normalizedPath, normalizedPrefix)
}

// Extension returns the lowercase file extension of a path without the
// dot, or "" when the final segment has none.
func Extension(path string) string {
	idx := strings.LastIndex(path, "/")
	name := path
	if idx >= 0 {
		name = path[idx+1:]
	}

	dot := strings.LastIndex(name, ".")
	if dot < 0 || dot == len(name)-1 {
		return ""
	}

	return strings.ToLower(name[dot+1:])
}

// IsDangerousExtension reports whether ext is on the fixed executable and
// script denylist. The comparison is case-insensitive.
func IsDangerousExtension(ext string) bool {
	return dangerousExtensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
}
