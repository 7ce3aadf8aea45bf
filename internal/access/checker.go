package access

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fileharbor/fileharbor/internal/userpath"
)

// Context carries request attributes evaluated against permission
// conditions.
type Context struct {
	FileSize  int64
	Extension string
}

// compiledPermission is a Permission with its resource pattern split
// into literal chunks separated by '*' wildcards. Patterns are compiled
// once per grant rather than re-parsed on every check.
type compiledPermission struct {
	perm       *Permission
	chunks     []string
	literalLen int
}

// compileGrant compiles every permission pattern in a grant. Malformed
// grant data (empty pattern, unknown action) is an error; a normal deny
// never is.
func compileGrant(grant *AccessGrant) ([]compiledPermission, error) {
	compiled := make([]compiledPermission, 0, len(grant.Permissions))
	for i := range grant.Permissions {
		perm := &grant.Permissions[i]
		if strings.TrimSpace(perm.ResourcePattern) == "" {
			return nil, fmt.Errorf("%w: empty resource pattern", ErrInvalidGrant)
		}
		for _, a := range perm.Actions {
			if !a.Valid() {
				return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, a)
			}
		}

		chunks := strings.Split(perm.ResourcePattern, "*")
		literalLen := 0
		for _, c := range chunks {
			literalLen += len(c)
		}

		compiled = append(compiled, compiledPermission{
			perm:       perm,
			chunks:     chunks,
			literalLen: literalLen,
		})
	}

	// More specific patterns (longer literal content) are evaluated
	// first so a narrow grant can match ahead of a broad one.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].literalLen > compiled[j].literalLen
	})

	return compiled, nil
}

// matches reports whether the compiled pattern matches path. '*' matches
// any suffix within the segment tree, including across '/'. No other
// metacharacters exist.
func (cp *compiledPermission) matches(path string) bool {
	chunks := cp.chunks
	if len(chunks) == 1 {
		return path == chunks[0]
	}

	if !strings.HasPrefix(path, chunks[0]) {
		return false
	}
	rest := path[len(chunks[0]):]

	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(rest, last) {
		return false
	}
	rest = rest[:len(rest)-len(last)]

	for _, chunk := range chunks[1 : len(chunks)-1] {
		idx := strings.Index(rest, chunk)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(chunk):]
	}

	return true
}

// hasAction reports whether action is in the permission's action set. An
// empty set never authorizes.
func hasAction(perm *Permission, action Action) bool {
	for _, a := range perm.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// checkCondition evaluates a permission's condition against the request
// context. A permission without a condition imposes none.
//
// The size ceiling gates what may be written, not what may be read back:
// a write with an unknown size fails closed, while reads, heads and
// deletes of already stored objects carry no size and are not blocked
// by the ceiling.
func checkCondition(cond *Condition, path string, action Action, cctx *Context) (bool, string) {
	if cond == nil {
		return true, ""
	}

	if cond.MaxSizeBytes > 0 {
		switch {
		case action == ActionWrite:
			if cctx == nil {
				return false, "condition failed: file_size unknown"
			}
			if cctx.FileSize > cond.MaxSizeBytes {
				return false, "condition failed: file_size"
			}
		case cctx != nil && cctx.FileSize > cond.MaxSizeBytes:
			return false, "condition failed: file_size"
		}
	}

	ext := ""
	if cctx != nil {
		ext = strings.ToLower(strings.TrimPrefix(cctx.Extension, "."))
	}
	if ext == "" {
		ext = userpath.Extension(path)
	}

	if len(cond.AllowedExtensions) > 0 {
		allowed := false
		for _, e := range cond.AllowedExtensions {
			if strings.EqualFold(e, ext) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "condition failed: extension not allowed"
		}
	}

	for _, e := range cond.BlockedExtensions {
		if strings.EqualFold(e, ext) {
			return false, "condition failed: extension blocked"
		}
	}

	return true, ""
}

// CheckAccess evaluates a user's grants against a requested path and
// action. It is pure and side-effect free; a denied check is a normal
// result, not an error. Only malformed grant data returns an error.
//
// Cross-user paths are rejected before any pattern matching: a grant can
// never authorize a path owned by a different user.
func CheckAccess(grants []*AccessGrant, path string, action Action, cctx *Context) (Decision, error) {
	if !action.Valid() {
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrInvalidGrant, action)
	}

	normalized, err := userpath.ValidatePath(path)
	if err != nil {
		// The fixed dangerous-extension denylist and structural path
		// rules beat any grant-level allowlist.
		return Decision{Reason: fmt.Sprintf("invalid path: %v", err)}, nil
	}

	if len(grants) == 0 {
		return Decision{Reason: "no access grants"}, nil
	}

	reason := "no matching resource pattern"
	for _, grant := range grants {
		if pathOwner, ok := userpath.ExtractUserID(normalized); ok && pathOwner != grant.UserID {
			reason = "cross-user path denied"
			continue
		}

		compiled, err := compileGrant(grant)
		if err != nil {
			return Decision{}, err
		}

		for i := range compiled {
			cp := &compiled[i]
			if !cp.matches(normalized) {
				continue
			}

			if !hasAction(cp.perm, action) {
				reason = "action not permitted"
				continue
			}

			if ok, condReason := checkCondition(cp.perm.Condition, normalized, action, cctx); !ok {
				reason = condReason
				continue
			}

			return Decision{
				HasPermission:  true,
				MatchedPattern: cp.perm.ResourcePattern,
			}, nil
		}
	}

	return Decision{Reason: reason}, nil
}
