package packages

import (
	"strings"

	"github.com/pkg/errors"
)

// Name is a slash-separated workspace-relative package name. The empty name
// identifies the root package.
type Name string

// ParseName validates and normalizes a package name.
func ParseName(name string) (Name, error) {
	if name == "" {
		return "", nil
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return "", errors.Errorf("package name %q has a leading or trailing slash", name)
	}
	for _, segment := range strings.Split(name, "/") {
		if segment == "" {
			return "", errors.Errorf("package name %q contains an empty segment", name)
		}
		if segment == "." || segment == ".." {
			return "", errors.Errorf("package name %q contains a relative segment", name)
		}
	}
	return Name(name), nil
}

// IsRoot returns true for the root package name.
func (n Name) IsRoot() bool {
	return n == ""
}

// Join returns the name of a subpackage.
func (n Name) Join(segment string) Name {
	if n == "" {
		return Name(segment)
	}
	return Name(string(n) + "/" + segment)
}

// Contains returns true if other is n or lies beneath it.
func (n Name) Contains(other Name) bool {
	if n == "" {
		return true
	}
	return other == n || strings.HasPrefix(string(other), string(n)+"/")
}

// String returns the package name in display form.
func (n Name) String() string {
	return "//" + string(n)
}
