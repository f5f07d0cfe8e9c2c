package packages

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// The definition file format is line-oriented. Blank lines and lines starting
// with "#" are ignored. The remaining lines are directives:
//
//	rule <kind> <name> [deps=<label>,...] [srcs=<name>,...]
//	files <name> <pattern> [<pattern> ...]
//	default_visibility <label>[,<label>...]
//
// A "rule" directive declares a rule target of the given kind. A "files"
// directive declares a file-group target whose sources are the package
// directory entries matching the given glob patterns. Parse problems are
// accumulated rather than aborting the parse, so a definition file with
// errors still yields the targets that did parse.

// parseProblem records a single parse failure with its line number.
type parseProblem struct {
	// line is the 1-based line number.
	line int
	// message is the problem description.
	message string
}

// String returns a human-readable rendering of the problem.
func (p parseProblem) String() string {
	return fmt.Sprintf("line %d: %s", p.line, p.message)
}

// ruleDirective is a parsed "rule" line.
type ruleDirective struct {
	// kind is the rule kind.
	kind string
	// name is the target name.
	name string
	// deps are the parsed dependency labels.
	deps []Label
	// sources are the declared source file names.
	sources []string
	// line is the directive's line number.
	line int
}

// filesDirective is a parsed "files" line.
type filesDirective struct {
	// name is the file-group target name.
	name string
	// patterns are the glob patterns, matched against package directory
	// entry names.
	patterns []string
	// line is the directive's line number.
	line int
}

// definitionFile is the parse result for one definition file.
type definitionFile struct {
	// rules are the parsed rule directives.
	rules []ruleDirective
	// groups are the parsed files directives.
	groups []filesDirective
	// defaultVisibility is the parsed default visibility declaration.
	defaultVisibility []Label
	// problems are the accumulated parse problems.
	problems []parseProblem
}

// problem records a parse problem.
func (f *definitionFile) problem(line int, format string, args ...interface{}) {
	f.problems = append(f.problems, parseProblem{
		line:    line,
		message: fmt.Sprintf(format, args...),
	})
}

// parseDefinition parses a definition file's contents. Problems never abort
// the parse; every directive that parses contributes to the result.
func parseDefinition(contents []byte, pkg Name) *definitionFile {
	result := &definitionFile{}
	scanner := bufio.NewScanner(bytes.NewReader(contents))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "rule":
			result.parseRule(fields, line, pkg)
		case "files":
			result.parseFiles(fields, line)
		case "default_visibility":
			result.parseDefaultVisibility(fields, line, pkg)
		default:
			result.problem(line, "unknown directive %q", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		result.problem(line, "unreadable line: %v", err)
	}
	return result
}

// parseRule parses a "rule" directive.
func (f *definitionFile) parseRule(fields []string, line int, pkg Name) {
	if len(fields) < 3 {
		f.problem(line, "rule directive requires a kind and a name")
		return
	}
	directive := ruleDirective{kind: fields[1], name: fields[2], line: line}
	if err := validateTargetName(directive.name); err != nil {
		f.problem(line, "invalid target name: %v", err)
		return
	}
	for _, attribute := range fields[3:] {
		key, value, ok := strings.Cut(attribute, "=")
		if !ok {
			f.problem(line, "malformed attribute %q", attribute)
			continue
		}
		switch key {
		case "deps":
			for _, raw := range strings.Split(value, ",") {
				label, err := ParseLabel(raw, pkg)
				if err != nil {
					f.problem(line, "invalid dependency %q: %v", raw, err)
					continue
				}
				directive.deps = append(directive.deps, label)
			}
		case "srcs":
			directive.sources = append(directive.sources, strings.Split(value, ",")...)
		default:
			f.problem(line, "unknown attribute %q", key)
		}
	}
	f.rules = append(f.rules, directive)
}

// parseFiles parses a "files" directive.
func (f *definitionFile) parseFiles(fields []string, line int) {
	if len(fields) < 3 {
		f.problem(line, "files directive requires a name and at least one pattern")
		return
	}
	directive := filesDirective{name: fields[1], patterns: fields[2:], line: line}
	if err := validateTargetName(directive.name); err != nil {
		f.problem(line, "invalid target name: %v", err)
		return
	}
	for _, pattern := range directive.patterns {
		if !doublestar.ValidatePattern(pattern) {
			f.problem(line, "invalid glob pattern %q", pattern)
			return
		}
	}
	f.groups = append(f.groups, directive)
}

// parseDefaultVisibility parses a "default_visibility" directive.
func (f *definitionFile) parseDefaultVisibility(fields []string, line int, pkg Name) {
	if len(fields) != 2 {
		f.problem(line, "default_visibility directive requires a single label list")
		return
	}
	for _, raw := range strings.Split(fields[1], ",") {
		label, err := ParseLabel(raw, pkg)
		if err != nil {
			f.problem(line, "invalid visibility label %q: %v", raw, err)
			continue
		}
		f.defaultVisibility = append(f.defaultVisibility, label)
	}
}
