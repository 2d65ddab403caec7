package policy

import (
	"net/http"

	"github.com/SiriusScan/pypi-gate/sirius/status"
)

// ContentTypeProblem is the RFC 9457 media type.
const ContentTypeProblem = "application/problem+json"

const (
	ProblemTypeScanInProgress = "urn:pypi-gate:problem:scan-in-progress"
	ProblemTypeVulnerable     = "urn:pypi-gate:problem:package-vulnerable"
	ProblemTypeScanFailed     = "urn:pypi-gate:problem:scan-failed"
	ProblemTypeInvalidName    = "urn:pypi-gate:problem:invalid-package-name"
)

// Problem is the problem+json body returned for non pass-through lookups.
type Problem struct {
	Type              string                 `json:"type"`
	Title             string                 `json:"title"`
	Status            int                    `json:"status"`
	Detail            string                 `json:"detail"`
	Instance          string                 `json:"instance,omitempty"`
	Package           string                 `json:"package,omitempty"`
	ScanStatus        string                 `json:"scan_status,omitempty"`
	RetryAfter        int                    `json:"retry_after,omitempty"`
	VulnerabilityInfo map[string]interface{} `json:"vulnerability_info,omitempty"`
}

// Problem renders d for the client. PassThrough has no problem and yields nil.
func (d Directive) Problem(instance string) *Problem {
	switch d.Kind {
	case Retry:
		return &Problem{
			Type:       ProblemTypeScanInProgress,
			Title:      "Security scan in progress",
			Status:     http.StatusServiceUnavailable,
			Detail:     d.Detail,
			Instance:   instance,
			Package:    d.Package,
			ScanStatus: string(d.Status),
			RetryAfter: d.RetryAfter,
		}
	case Unavailable:
		p := &Problem{
			Status:            http.StatusNotFound,
			Detail:            d.Detail,
			Instance:          instance,
			Package:           d.Package,
			ScanStatus:        string(d.Status),
			VulnerabilityInfo: d.VulnerabilityInfo,
		}
		if d.Status == status.Error {
			p.Type = ProblemTypeScanFailed
			p.Title = "Package security scan failed"
		} else {
			p.Type = ProblemTypeVulnerable
			p.Title = "Package blocked: known vulnerabilities"
		}
		return p
	default:
		return nil
	}
}

// InvalidName is the problem returned for a malformed project name.
func InvalidName(instance, detail string) *Problem {
	return &Problem{
		Type:     ProblemTypeInvalidName,
		Title:    "Invalid package name",
		Status:   http.StatusBadRequest,
		Detail:   detail,
		Instance: instance,
	}
}
