package container

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	appErr "autograde/pkg/errors"

	"github.com/google/uuid"
)

const (
	handlePrefix   = "grade-"
	maxHandleBytes = 128
	digestBytes    = 4
)

var (
	handlePattern     = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	invalidHandleRune = regexp.MustCompile(`[^a-z0-9_.-]+`)
)

// HandleFor derives an environment handle from a submission id. An id that had
// to be rewritten or shortened gets a digest suffix of the raw id so that
// distinct ids never share a handle. An id with no usable characters gets a
// random handle.
func HandleFor(submissionID string) string {
	clean := invalidHandleRune.ReplaceAllString(strings.ToLower(strings.TrimSpace(submissionID)), "-")
	clean = strings.Trim(clean, "-.")
	if clean == "" {
		return handlePrefix + uuid.NewString()
	}
	if clean == submissionID && len(handlePrefix)+len(clean) <= maxHandleBytes {
		return handlePrefix + clean
	}
	sum := sha256.Sum256([]byte(submissionID))
	suffix := "-" + hex.EncodeToString(sum[:digestBytes])
	if limit := maxHandleBytes - len(handlePrefix) - len(suffix); len(clean) > limit {
		clean = strings.TrimRight(clean[:limit], "-.")
	}
	return handlePrefix + clean + suffix
}

// ValidateHandle checks handle against the engine container name grammar.
func ValidateHandle(handle string) error {
	if handle == "" {
		return appErr.ValidationError("handle", "required")
	}
	if len(handle) > maxHandleBytes || !handlePattern.MatchString(handle) {
		return appErr.ValidationError("handle", "must match [a-zA-Z0-9][a-zA-Z0-9_.-]*")
	}
	return nil
}
