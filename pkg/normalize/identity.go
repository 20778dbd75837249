package normalize

import (
	"regexp"
	"strings"

	"github.com/m-mizutani/convsync/pkg/model"
)

var (
	numericIDPattern = regexp.MustCompile(`^[0-9]+$`)
	hexIDPattern     = regexp.MustCompile(`^[0-9a-fA-F-]{8,}$`)
)

// IsOpaqueID reports whether v looks like an internal identifier rather than
// a display name.
func IsOpaqueID(v string) bool {
	return numericIDPattern.MatchString(v) || hexIDPattern.MatchString(v)
}

// IdentityResolver maps agent identifiers to display names
type IdentityResolver struct {
	directory model.Directory
}

func NewIdentityResolver(directory model.Directory) *IdentityResolver {
	return &IdentityResolver{directory: directory}
}

// Resolve returns the display name for raw. Unresolved opaque identifiers
// map to model.AgentUnassigned so internal IDs never leak downstream; resolved
// is false in that case only.
func (r *IdentityResolver) Resolve(raw string) (name string, resolved bool) {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "unknown") {
		return model.AgentUnassigned, true
	}
	if !IsOpaqueID(v) {
		return v, true
	}
	if name, ok := r.directory.Lookup(v); ok && name != "" {
		return name, true
	}
	return model.AgentUnassigned, false
}
