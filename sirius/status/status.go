// Package status defines the scan status lifecycle of a gated package.
//
// A record starts pending, is claimed into scanning by the admission
// controller, and is moved to one of the terminal verdicts by the scanner.
// Terminal states never change again; re-scanning is not supported.
package status

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the scan status of a package record.
type Status string

const (
	Pending    Status = "pending"
	Scanning   Status = "scanning"
	Safe       Status = "safe"
	Vulnerable Status = "vulnerable"
	Error      Status = "error"
)

// ErrIllegalTransition is returned when an event does not apply to the
// current status.
var ErrIllegalTransition = errors.New("illegal status transition")

// All lists every status in lifecycle order.
var All = []Status{Pending, Scanning, Safe, Vulnerable, Error}

// Parse converts a stored or user supplied value into a Status.
func Parse(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// verdictAliases maps the verdict names older scanners still send.
var verdictAliases = map[string]Status{
	"completed":      Safe,
	"not_found":      Error,
	"download_error": Error,
	"scan_error":     Error,
}

// ParseVerdict converts a scanner verdict into a terminal Status.
func ParseVerdict(s string) (Status, error) {
	if st, ok := verdictAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	st, err := Parse(s)
	if err != nil {
		return "", err
	}
	if !st.IsTerminal() {
		return "", fmt.Errorf("status %q is not a scan verdict", s)
	}
	return st, nil
}

func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case Pending, Scanning, Safe, Vulnerable, Error:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a final scan verdict.
func (s Status) IsTerminal() bool {
	return s == Safe || s == Vulnerable || s == Error
}

// InFlight reports whether a scan is still outstanding for s.
func (s Status) InFlight() bool {
	return s == Pending || s == Scanning
}

// EventKind names the inputs of the lifecycle.
type EventKind int

const (
	// Lookup is a read of the record from the proxy. It never changes status.
	Lookup EventKind = iota
	// Admit claims a pending record for scanning.
	Admit
	// ScanCompleted records the scanner's verdict.
	ScanCompleted
)

func (k EventKind) String() string {
	switch k {
	case Lookup:
		return "lookup"
	case Admit:
		return "admit"
	case ScanCompleted:
		return "scan_completed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a lifecycle input. Verdict is only read for ScanCompleted.
type Event struct {
	Kind    EventKind
	Verdict Status
}

// Next returns the status that follows current when ev is applied.
func Next(current Status, ev Event) (Status, error) {
	if !current.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, current)
	}

	switch ev.Kind {
	case Lookup:
		return current, nil
	case Admit:
		if current != Pending {
			return "", fmt.Errorf("%w: cannot admit a %s package", ErrIllegalTransition, current)
		}
		return Scanning, nil
	case ScanCompleted:
		if current != Scanning {
			return "", fmt.Errorf("%w: cannot complete a scan on a %s package", ErrIllegalTransition, current)
		}
		if !ev.Verdict.IsTerminal() {
			return "", fmt.Errorf("%w: %q is not a scan verdict", ErrIllegalTransition, ev.Verdict)
		}
		return ev.Verdict, nil
	default:
		return "", fmt.Errorf("%w: unknown event %s", ErrIllegalTransition, ev.Kind)
	}
}

// CanTransition reports whether a record may move from one status to another.
// Staying in the same status is not a transition.
func CanTransition(from, to Status) bool {
	switch from {
	case Pending:
		return to == Scanning
	case Scanning:
		return to.IsTerminal()
	default:
		return false
	}
}
