package proxy

import (
	"errors"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/SiriusScan/pypi-gate/sirius/policy"
	"github.com/SiriusScan/pypi-gate/sirius/upstream"
	"github.com/SiriusScan/pypi-gate/sirius/versionspec"
	"github.com/gofiber/fiber/v2"
)

// gate resolves the project named in the path. When the client may not see
// upstream content it writes the problem response and returns false.
func (s *Server) gate(c *fiber.Ctx) (policy.Directive, bool, error) {
	raw := c.Params("name")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}

	req, err := versionspec.ParseRequirement(raw)
	if err != nil {
		return policy.Directive{}, false, writeProblem(c, policy.InvalidName(c.Path(), err.Error()))
	}

	d, err := s.deps.Resolver.Resolve(c.UserContext(), policy.Lookup{
		Name:          req.Name,
		Version:       req.Version,
		PythonVersion: versionspec.PythonVersionFromUserAgent(c.Get(fiber.HeaderUserAgent)),
	})
	if err != nil {
		if errors.Is(err, versionspec.ErrInvalidName) {
			return d, false, writeProblem(c, policy.InvalidName(c.Path(), err.Error()))
		}
		slog.Error("Lookup failed", "package", req.Name, "error", err)
		return d, false, writeProblem(c, internalProblem(c.Path()))
	}

	if d.Kind != policy.PassThrough {
		slog.Debug("Lookup gated", "package", d.Package, "directive", d.Kind.String(), "status", d.Status)
		return d, false, writeProblem(c, d.Problem(c.Path()))
	}
	return d, true, nil
}

func (s *Server) simpleIndex(c *fiber.Ctx) error {
	return s.stream(c, "simple/")
}

func (s *Server) simpleProject(c *fiber.Ctx) error {
	d, ok, err := s.gate(c)
	if !ok {
		return err
	}
	return s.stream(c, upstream.SimplePath(d.Package))
}

func (s *Server) projectJSON(c *fiber.Ctx) error {
	d, ok, err := s.gate(c)
	if !ok {
		return err
	}
	return s.stream(c, upstream.ProjectPath(d.Package))
}

// packageFile serves distribution files. Files are not gated: the index
// only links them for projects that passed the gate.
func (s *Server) packageFile(c *fiber.Ctx) error {
	file := c.Params("*")
	if file == "" || strings.Contains(file, "..") {
		return writeProblem(c, notFoundProblem(c.Path(), "No such package file."))
	}
	return s.stream(c, "packages/"+file)
}

func (s *Server) packageInfo(c *fiber.Ctx) error {
	d, ok, err := s.gate(c)
	if !ok {
		return err
	}
	project, err := upstream.FetchProject(c.UserContext(), s.deps.Upstream, d.Package)
	if err != nil {
		return s.upstreamFailure(c, d.Package, err)
	}
	return c.JSON(project.Info)
}

func (s *Server) packageVersions(c *fiber.Ctx) error {
	d, ok, err := s.gate(c)
	if !ok {
		return err
	}
	project, err := upstream.FetchProject(c.UserContext(), s.deps.Upstream, d.Package)
	if err != nil {
		return s.upstreamFailure(c, d.Package, err)
	}
	versions := versionspec.SortDescending(project.Versions())
	return c.JSON(fiber.Map{
		"package_name":   d.Package,
		"total_versions": len(versions),
		"versions":       versions,
		"latest_version": project.Info.Version,
	})
}

var simpleAnchor = regexp.MustCompile(`<a[^>]*>([^<]+)</a>`)

// upstreamPackages lists the projects the internal index already holds.
func (s *Server) upstreamPackages(c *fiber.Ctx) error {
	resp, err := s.deps.Upstream.Get(c.UserContext(), "simple/")
	if err != nil {
		return s.upstreamFailure(c, "", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, 32<<20)
	if err != nil {
		return s.upstreamFailure(c, "", err)
	}
	var names []string
	for _, m := range simpleAnchor.FindAllStringSubmatch(string(body), -1) {
		names = append(names, strings.TrimSpace(m[1]))
	}
	sort.Strings(names)
	return c.JSON(fiber.Map{"total": len(names), "packages": names})
}

// stream copies an upstream document to the client without buffering it.
func (s *Server) stream(c *fiber.Ctx, path string) error {
	resp, err := s.deps.Upstream.Get(c.UserContext(), path)
	if err != nil {
		return s.upstreamFailure(c, path, err)
	}
	if resp.ContentType != "" {
		c.Set(fiber.HeaderContentType, resp.ContentType)
	} else {
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
	}
	if resp.ETag != "" {
		c.Set(fiber.HeaderETag, resp.ETag)
	}
	return c.SendStream(resp.Body, int(resp.Size))
}

func (s *Server) upstreamFailure(c *fiber.Ctx, what string, err error) error {
	if errors.Is(err, upstream.ErrNotFound) {
		return writeProblem(c, notFoundProblem(c.Path(), "Not found on the package index."))
	}
	slog.Error("Upstream index request failed", "target", what, "error", err)
	return writeProblem(c, badGatewayProblem(c.Path()))
}
