package backend

import (
	"strings"

	"github.com/google/uuid"
)

// MaxNameLength is the tightest resource-name bound across supported backends
// (Cloud Run job IDs and Kubernetes job-name labels).
const MaxNameLength = 63

// nameSpace seeds the deterministic suffix of derived names.
var nameSpace = uuid.MustParse("6f1c1b0e-5d0a-4c58-9a51-2f3f0d9c8e11")

// DerivedName returns the backend resource name for a job submitted under
// idempotencyKey. The same (base, key) pair always yields the same name, which
// is what lets adapters probe for a job created by an earlier, ambiguous
// submit instead of creating a duplicate.
//
// The result is lowercase, DNS-label safe, starts with a letter and is at
// most MaxNameLength characters.
func DerivedName(base, idempotencyKey string) string {
	suffix := strings.ReplaceAll(uuid.NewSHA1(nameSpace, []byte(base+"\x00"+idempotencyKey)).String(), "-", "")[:10]

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	prefix := strings.Trim(b.String(), "-")
	if prefix == "" || prefix[0] < 'a' || prefix[0] > 'z' {
		prefix = "job-" + prefix
	}

	maxPrefix := MaxNameLength - len(suffix) - 1
	if len(prefix) > maxPrefix {
		prefix = strings.TrimRight(prefix[:maxPrefix], "-")
	}
	return strings.Trim(prefix, "-") + "-" + suffix
}

// ShortName returns the last path segment of a fully-qualified resource name.
func ShortName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
