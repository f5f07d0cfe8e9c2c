package pattern

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/mutagen-io/quarry/pkg/packages"
)

// Type identifies the shape of a parsed target pattern.
type Type uint8

const (
	// TypeSingleTarget matches exactly one explicitly named target.
	TypeSingleTarget Type = iota
	// TypeTargetsInPackage matches the targets of a single package.
	TypeTargetsInPackage
	// TypeTargetsBelowDirectory matches the targets of every package at or
	// beneath a directory.
	TypeTargetsBelowDirectory
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (t Type) MarshalText() ([]byte, error) {
	var result string
	switch t {
	case TypeSingleTarget:
		result = "single-target"
	case TypeTargetsInPackage:
		result = "targets-in-package"
	case TypeTargetsBelowDirectory:
		result = "targets-below-directory"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// String returns a human-readable representation of the pattern type.
func (t Type) String() string {
	text, _ := t.MarshalText()
	return string(text)
}

// FilterPolicy controls which targets a wildcard expansion yields.
type FilterPolicy uint8

const (
	// FilterRulesOnly restricts wildcard expansion to rule targets.
	FilterRulesOnly FilterPolicy = iota
	// FilterNone yields every target.
	FilterNone
)

// MarshalText implements encoding.TextMarshaler.MarshalText.
func (p FilterPolicy) MarshalText() ([]byte, error) {
	var result string
	switch p {
	case FilterRulesOnly:
		result = "rules-only"
	case FilterNone:
		result = "no-filter"
	default:
		result = "unknown"
	}
	return []byte(result), nil
}

// String returns a human-readable representation of the filter policy.
func (p FilterPolicy) String() string {
	text, _ := p.MarshalText()
	return string(text)
}

// Pattern is a parsed target pattern. Relative patterns are resolved against
// their offset during parsing, so Pattern carries only absolute names.
type Pattern struct {
	// Type is the pattern shape.
	Type Type
	// Package is the pattern's package (for single targets and package
	// wildcards) or directory (for below-directory wildcards).
	Package packages.Name
	// Target is the target name for single-target patterns.
	Target string
	// Policy is the wildcard filter policy, taking any explicit wildcard
	// suffix (":all" versus ":*" / ":all-targets") into account.
	Policy FilterPolicy
	// Negative indicates an exclusion pattern.
	Negative bool
}

// String returns the pattern in canonical form.
func (p Pattern) String() string {
	var builder strings.Builder
	if p.Negative {
		builder.WriteByte('-')
	}
	switch p.Type {
	case TypeSingleTarget:
		builder.WriteString(p.Package.String() + ":" + p.Target)
	case TypeTargetsInPackage:
		builder.WriteString(p.Package.String() + ":" + p.wildcardSuffix())
	case TypeTargetsBelowDirectory:
		builder.WriteString(p.Package.String())
		if !p.Package.IsRoot() {
			builder.WriteByte('/')
		}
		builder.WriteString("...:" + p.wildcardSuffix())
	}
	return builder.String()
}

// wildcardSuffix renders the policy as a wildcard target name.
func (p Pattern) wildcardSuffix() string {
	if p.Policy == FilterNone {
		return "*"
	}
	return "all"
}

// Parse parses a single target pattern. Relative patterns resolve against
// the offset package; wildcards without an explicit filter suffix adopt the
// provided default policy.
func Parse(raw string, offset packages.Name, defaultPolicy FilterPolicy) (Pattern, error) {
	if raw == "" {
		return Pattern{}, errors.New("empty pattern")
	}

	// Extract negation.
	pattern := Pattern{Policy: defaultPolicy}
	body := raw
	if strings.HasPrefix(body, "-") {
		pattern.Negative = true
		body = body[1:]
		if body == "" {
			return Pattern{}, errors.New("empty negative pattern")
		}
	}

	// Resolve relative patterns against the offset.
	if strings.HasPrefix(body, "//") {
		body = body[2:]
	} else if strings.HasPrefix(body, ":") {
		body = string(offset) + body
	} else if offset.IsRoot() {
		// Already workspace-relative.
	} else {
		body = string(offset) + "/" + body
	}

	// Split off any target component.
	base := body
	target := ""
	explicitTarget := false
	if colon := strings.LastIndexByte(body, ':'); colon != -1 {
		base = body[:colon]
		target = body[colon+1:]
		explicitTarget = true
	}

	// Below-directory patterns.
	if base == "..." || strings.HasSuffix(base, "/...") {
		directory := strings.TrimSuffix(strings.TrimSuffix(base, "..."), "/")
		name, err := packages.ParseName(directory)
		if err != nil {
			return Pattern{}, errors.Wrapf(err, "invalid pattern %q", raw)
		}
		pattern.Type = TypeTargetsBelowDirectory
		pattern.Package = name
		switch target {
		case "", "all":
			if explicitTarget {
				pattern.Policy = FilterRulesOnly
			}
		case "*", "all-targets":
			pattern.Policy = FilterNone
		default:
			return Pattern{}, errors.Errorf(
				"pattern %q names an explicit target beneath a directory wildcard", raw)
		}
		return pattern, nil
	}

	// Package wildcards and single targets.
	name, err := packages.ParseName(base)
	if err != nil {
		return Pattern{}, errors.Wrapf(err, "invalid pattern %q", raw)
	}
	pattern.Package = name
	switch {
	case explicitTarget && target == "all":
		pattern.Type = TypeTargetsInPackage
		pattern.Policy = FilterRulesOnly
	case explicitTarget && (target == "*" || target == "all-targets"):
		pattern.Type = TypeTargetsInPackage
		pattern.Policy = FilterNone
	case explicitTarget:
		if target == "" {
			return Pattern{}, errors.Errorf("pattern %q has an empty target name", raw)
		}
		pattern.Type = TypeSingleTarget
		pattern.Target = target
	default:
		// The "//foo" shorthand names the target after the package's last
		// segment.
		if name.IsRoot() {
			return Pattern{}, errors.Errorf("pattern %q names no package or target", raw)
		}
		segments := strings.Split(string(name), "/")
		pattern.Type = TypeSingleTarget
		pattern.Target = segments[len(segments)-1]
	}
	return pattern, nil
}
