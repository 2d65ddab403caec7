// Package versionspec parses what pip sends us: project names, requirement
// strings with optional extras and specifiers, and the interpreter version
// embedded in pip's User-Agent.
package versionspec

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
	"github.com/package-url/packageurl-go"
)

// Latest is stored when a lookup does not pin a version.
const Latest = "latest"

// ErrInvalidName is returned for project names PEP 508 does not allow.
var ErrInvalidName = errors.New("invalid package name")

var (
	validName     = regexp.MustCompile(`(?i)^([a-z0-9]|[a-z0-9][a-z0-9._-]*[a-z0-9])$`)
	separatorRun  = regexp.MustCompile(`[-_.]+`)
	extrasPattern = regexp.MustCompile(`\[[^\]]*\]`)
	requirementRe = regexp.MustCompile(`^([A-Za-z0-9_.-]+)\s*(===|==|>=|<=|~=|!=|>|<)\s*(.+)$`)
	pythonUARe    = regexp.MustCompile(`(?:CPython|PyPy|Python)/(\d+\.\d+(?:\.\d+)?)`)
	bareVersionRe = regexp.MustCompile(`\b(\d+\.\d+\.\d+)\b`)
)

// NormalizeName returns the PEP 503 form of a project name: lower case with
// every run of "-", "_" and "." collapsed to a single "-".
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if !validName.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return strings.ToLower(separatorRun.ReplaceAllString(name, "-")), nil
}

// Requirement is a parsed pip requirement string.
type Requirement struct {
	Name      string
	Specifier string
	Version   string
	Exact     bool
}

// ParseRequirement splits "requests[security]==2.31.0" style input into a
// normalized name and a version. Exact pins keep only the version; ranges
// keep operator and version together. No specifier yields Latest.
func ParseRequirement(raw string) (Requirement, error) {
	raw = strings.TrimSpace(extrasPattern.ReplaceAllString(raw, ""))
	if raw == "" {
		return Requirement{}, fmt.Errorf("%w: empty", ErrInvalidName)
	}

	m := requirementRe.FindStringSubmatch(raw)
	if m == nil {
		name, err := NormalizeName(raw)
		if err != nil {
			return Requirement{}, err
		}
		return Requirement{Name: name, Version: Latest}, nil
	}

	name, err := NormalizeName(m[1])
	if err != nil {
		return Requirement{}, err
	}
	op, ver := m[2], strings.TrimSpace(m[3])
	req := Requirement{Name: name, Specifier: op + ver}

	if op == "==" || op == "===" {
		req.Version = ver
		req.Exact = true
		return req, nil
	}

	if _, err := pep440.NewSpecifiers(req.Specifier); err != nil {
		slog.Debug("requirement specifier is not PEP 440", "specifier", req.Specifier, "error", err)
	}
	req.Version = req.Specifier
	return req, nil
}

// NormalizeVersion maps an empty version to Latest.
func NormalizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return Latest
	}
	return v
}

// PythonVersionFromUserAgent extracts the interpreter version pip reports,
// for example "pip/23.0.1 CPython/3.11.0" yields "3.11.0".
func PythonVersionFromUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	if m := pythonUARe.FindStringSubmatch(ua); m != nil {
		return m[1]
	}
	if strings.Contains(ua, "{") {
		// pip's JSON user agent carries its own version first; nothing reliable.
		return ""
	}
	if m := bareVersionRe.FindStringSubmatch(ua); m != nil {
		return m[1]
	}
	return ""
}

// IsValidVersion reports whether v parses as a PEP 440 version.
func IsValidVersion(v string) bool {
	_, err := pep440.Parse(v)
	return err == nil
}

// SortDescending orders versions newest first. Versions that do not parse
// under PEP 440 are kept, after the valid ones, in reverse lexical order.
func SortDescending(versions []string) []string {
	type parsed struct {
		raw string
		v   pep440.Version
	}
	var valid []parsed
	var invalid []string
	for _, raw := range versions {
		v, err := pep440.Parse(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		valid = append(valid, parsed{raw: raw, v: v})
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].v.GreaterThan(valid[j].v)
	})
	sort.Sort(sort.Reverse(sort.StringSlice(invalid)))

	out := make([]string, 0, len(versions))
	for _, p := range valid {
		out = append(out, p.raw)
	}
	return append(out, invalid...)
}

// PURL renders the package URL the scanner receives for a lookup. Range
// specifiers and Latest are not concrete versions and are left out.
func PURL(name, version string) string {
	v := ""
	if version != "" && version != Latest && IsValidVersion(version) {
		v = version
	}
	return packageurl.NewPackageURL(packageurl.TypePyPi, "", name, v, nil, "").ToString()
}
