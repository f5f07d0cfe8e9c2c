package packages

import (
	"strings"

	"github.com/pkg/errors"
)

// Label identifies a single target: a package name plus a target name within
// the package.
type Label struct {
	// Package is the package name.
	Package Name
	// Target is the target name within the package.
	Target string
}

// ParseLabel parses a label. Absolute labels take the forms "//pkg:target"
// and "//pkg" (the latter implying the target named after the package's last
// segment). Relative labels (":target" or "target") resolve against the
// provided offset package.
func ParseLabel(raw string, offset Name) (Label, error) {
	if raw == "" {
		return Label{}, errors.New("empty label")
	}

	if strings.HasPrefix(raw, "//") {
		remainder := raw[2:]
		if colon := strings.IndexByte(remainder, ':'); colon != -1 {
			name, err := ParseName(remainder[:colon])
			if err != nil {
				return Label{}, err
			}
			target := remainder[colon+1:]
			if err := validateTargetName(target); err != nil {
				return Label{}, err
			}
			return Label{Package: name, Target: target}, nil
		}
		name, err := ParseName(remainder)
		if err != nil {
			return Label{}, err
		}
		if name.IsRoot() {
			return Label{}, errors.New("root package label requires an explicit target")
		}
		segments := strings.Split(string(name), "/")
		return Label{Package: name, Target: segments[len(segments)-1]}, nil
	}

	// Relative labels.
	target := strings.TrimPrefix(raw, ":")
	if strings.ContainsAny(target, "/:") {
		return Label{}, errors.Errorf("invalid relative label %q", raw)
	}
	if err := validateTargetName(target); err != nil {
		return Label{}, err
	}
	return Label{Package: offset, Target: target}, nil
}

// validateTargetName validates a target name.
func validateTargetName(name string) error {
	if name == "" {
		return errors.New("empty target name")
	}
	if strings.ContainsAny(name, "/:") {
		return errors.Errorf("target name %q contains reserved characters", name)
	}
	return nil
}

// String returns the label in canonical "//pkg:target" form.
func (l Label) String() string {
	return l.Package.String() + ":" + l.Target
}
