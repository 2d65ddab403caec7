package proxy

import (
	"io"
	"strconv"

	"github.com/SiriusScan/pypi-gate/sirius/policy"
	"github.com/gofiber/fiber/v2"
)

const (
	problemTypeNotFound     = "urn:pypi-gate:problem:not-found"
	problemTypeUpstream     = "urn:pypi-gate:problem:upstream-unavailable"
	problemTypeInternal     = "urn:pypi-gate:problem:internal-error"
	problemTypeUnauthorized = "urn:pypi-gate:problem:unauthorized"
)

// writeProblem sends p as application/problem+json, with Retry-After when
// the problem carries a retry hint.
func writeProblem(c *fiber.Ctx, p *policy.Problem) error {
	if p.RetryAfter > 0 {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(p.RetryAfter))
	}
	return c.Status(p.Status).JSON(p, policy.ContentTypeProblem)
}

func notFoundProblem(instance, detail string) *policy.Problem {
	return &policy.Problem{
		Type:     problemTypeNotFound,
		Title:    "Not found",
		Status:   fiber.StatusNotFound,
		Detail:   detail,
		Instance: instance,
	}
}

func badGatewayProblem(instance string) *policy.Problem {
	return &policy.Problem{
		Type:     problemTypeUpstream,
		Title:    "Package index unavailable",
		Status:   fiber.StatusBadGateway,
		Detail:   "The internal package index did not answer. Please retry shortly.",
		Instance: instance,
	}
}

func internalProblem(instance string) *policy.Problem {
	return &policy.Problem{
		Type:     problemTypeInternal,
		Title:    "Internal error",
		Status:   fiber.StatusInternalServerError,
		Detail:   "An unexpected error occurred while processing the request.",
		Instance: instance,
	}
}

func unauthorizedProblem(instance, detail string) *policy.Problem {
	return &policy.Problem{
		Type:     problemTypeUnauthorized,
		Title:    "Unauthorized",
		Status:   fiber.StatusUnauthorized,
		Detail:   detail,
		Instance: instance,
	}
}

func readAllLimited(r io.Reader, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, limit))
}
