package proxy

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
	"github.com/gofiber/fiber/v2"
)

// HeaderAPIKey carries an admin key on /api/db requests.
const HeaderAPIKey = "X-API-Key"

func (s *Server) requireAdminKey(c *fiber.Ctx) error {
	raw := c.Get(HeaderAPIKey)
	if raw == "" {
		raw = strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	}
	if raw == "" {
		return writeProblem(c, unauthorizedProblem(c.Path(), "An admin API key is required."))
	}

	meta, err := store.ValidateAdminKey(c.UserContext(), s.deps.AdminKeys, raw)
	if errors.Is(err, store.ErrInvalidAdminKey) {
		return writeProblem(c, unauthorizedProblem(c.Path(), "The admin API key is not valid."))
	}
	if err != nil {
		slog.Error("Admin key validation failed", "error", err)
		return writeProblem(c, internalProblem(c.Path()))
	}
	c.Locals("admin_key_id", meta.ID)
	return c.Next()
}

func (s *Server) listPackages(c *fiber.Ctx) error {
	recs, err := s.deps.Packages.ListRecent(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{"total": len(recs), "packages": recs})
}

func (s *Server) listPending(c *fiber.Ctx) error {
	st := status.Pending
	if q := c.Query("status"); q != "" {
		parsed, err := status.Parse(q)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		st = parsed
	}
	recs, err := s.deps.Packages.ListByStatus(c.UserContext(), st, c.QueryInt("limit", 50))
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{"status": st, "total": len(recs), "packages": recs})
}

func (s *Server) packageStats(c *fiber.Ctx) error {
	stats, err := s.deps.Packages.StatusStats(c.UserContext())
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(stats)
}

func (s *Server) getPackage(c *fiber.Ctx) error {
	name, err := versionspec.NormalizeName(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	rec, err := s.deps.Packages.GetByName(c.UserContext(), name)
	if errors.Is(err, packages.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "package not found", "package": name})
	}
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) packageEvents(c *fiber.Ctx) error {
	if s.deps.Events == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "event history is not enabled"})
	}
	name, err := versionspec.NormalizeName(c.Params("name"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	evs, err := s.deps.Events.ByPackage(c.UserContext(), name, c.QueryInt("limit", 50))
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{"package": name, "total": len(evs), "events": evs})
}

func (s *Server) listSnapshots(c *fiber.Ctx) error {
	if s.deps.Snapshots == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "snapshots are not enabled"})
	}
	snaps, err := s.deps.Snapshots.Recent(c.UserContext(), c.QueryInt("limit", 10))
	if err != nil {
		return s.storeFailure(c, err)
	}
	return c.JSON(fiber.Map{"total": len(snaps), "snapshots": snaps})
}

func (s *Server) storeFailure(c *fiber.Ctx, err error) error {
	slog.Error("Admin query failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store unavailable"})
}
