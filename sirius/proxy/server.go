// Package proxy is the pip-facing HTTP surface of the gate. Project pages
// and metadata are only served once the project has a safe verdict; every
// other lookup answers with an application/problem+json body.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/SiriusScan/pypi-gate/sirius/packages"
	"github.com/SiriusScan/pypi-gate/sirius/policy"
	"github.com/SiriusScan/pypi-gate/sirius/postgres/models"
	"github.com/SiriusScan/pypi-gate/sirius/snapshot"
	"github.com/SiriusScan/pypi-gate/sirius/status"
	"github.com/SiriusScan/pypi-gate/sirius/store"
	"github.com/SiriusScan/pypi-gate/sirius/upstream"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
)

// ServiceName is reported by the index and health endpoints.
const ServiceName = "pypi-gate"

// Resolver decides what a lookup gets.
type Resolver interface {
	Resolve(ctx context.Context, l policy.Lookup) (policy.Directive, error)
}

// PackageStore backs the admin package endpoints.
type PackageStore interface {
	GetByName(ctx context.Context, name string) (*models.Package, error)
	ListRecent(ctx context.Context, limit int) ([]models.Package, error)
	ListByStatus(ctx context.Context, s status.Status, limit int) ([]models.Package, error)
	StatusStats(ctx context.Context) (packages.Stats, error)
}

// SnapshotSource backs /api/db/snapshots.
type SnapshotSource interface {
	Recent(ctx context.Context, limit int) ([]*snapshot.Snapshot, error)
}

// EventSource backs /api/db/packages/:name/events.
type EventSource interface {
	ByPackage(ctx context.Context, name string, limit int) ([]models.Event, error)
}

// Deps wires the server. Resolver and Upstream are required; the admin
// endpoints are only mounted when Packages is set.
type Deps struct {
	Resolver  Resolver
	Upstream  upstream.Fetcher
	Packages  PackageStore
	Snapshots SnapshotSource
	Events    EventSource
	// AdminKeys validates X-API-Key on /api/db. Nil leaves those routes open.
	AdminKeys   store.KVStore
	ReadTimeout time.Duration
	// AccessLog enables the per request log line.
	AccessLog bool
}

// Server is the fiber application plus its dependencies.
type Server struct {
	app  *fiber.App
	deps Deps
}

// New builds the fiber app and registers every route.
func New(deps Deps) *Server {
	if deps.ReadTimeout <= 0 {
		deps.ReadTimeout = 60 * time.Second
	}

	app := fiber.New(fiber.Config{
		AppName:               ServiceName,
		ReadTimeout:           deps.ReadTimeout,
		DisableStartupMessage: true,
	})

	app.Use(fiberrecover.New())
	app.Use(requestid.New(requestid.Config{
		Header:    fiber.HeaderXRequestID,
		Generator: uuid.NewString,
	}))
	if deps.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${status} ${latency} ${method} ${path} ${locals:requestid}\n",
		}))
	}
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	s := &Server{app: app, deps: deps}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/", s.index)
	s.app.Get("/health", s.health)

	s.app.Get("/simple/", s.simpleIndex)
	s.app.Get("/simple/:name", s.simpleProject)
	s.app.Get("/pypi/:name/json", s.projectJSON)
	s.app.Get("/packages/*", s.packageFile)

	s.app.Get("/api/package/:name", s.packageInfo)
	s.app.Get("/api/package/:name/versions", s.packageVersions)
	s.app.Get("/api/pypi/packages", s.upstreamPackages)

	if s.deps.Packages == nil {
		return
	}
	admin := s.app.Group("/api/db")
	if s.deps.AdminKeys != nil {
		admin.Use(s.requireAdminKey)
	} else {
		slog.Warn("Admin API has no key store configured; /api/db is unauthenticated")
	}
	admin.Get("/packages", s.listPackages)
	admin.Get("/packages/pending", s.listPending)
	admin.Get("/packages/stats", s.packageStats)
	admin.Get("/packages/:name", s.getPackage)
	admin.Get("/packages/:name/events", s.packageEvents)
	admin.Get("/snapshots", s.listSnapshots)
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	slog.Info("Proxy listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) index(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": ServiceName,
		"status":  "running",
		"endpoints": fiber.Map{
			"health":           "/health",
			"simple_api":       "/simple/<package_name>/",
			"json_api":         "/pypi/<package_name>/json",
			"package_info":     "/api/package/<package_name>",
			"package_versions": "/api/package/<package_name>/versions",
			"package_download": "/packages/<filename>",
		},
	})
}

type breakerState interface {
	State() string
}

func (s *Server) health(c *fiber.Ctx) error {
	body := fiber.Map{"status": "healthy", "service": ServiceName}
	if b, ok := s.deps.Upstream.(breakerState); ok {
		body["upstream"] = b.State()
	}
	return c.JSON(body)
}
