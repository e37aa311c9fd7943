package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"schemafreeze/internal/logging"
)

// Controller manages one named Docker container as the execution sandbox.
// The container is expected to exist already (created out of band with the
// project mounted at Workdir); Controller resolves it by name, boots it if
// stopped, and runs commands inside it. It never creates or removes
// containers.
type Controller struct {
	// Name is the container name to resolve.
	Name string
	// Workdir is where the project is mounted inside the container.
	Workdir string
	// HostRoot is the project root on the host. Absolute paths under it,
	// in working directories and environment values alike, are rewritten
	// to the Workdir mount before entering the container.
	HostRoot string

	// host runs the docker CLI itself. Tests substitute a fake.
	host Runner

	// id is the stable container ID after Resolve. Name lookups are done
	// once; everything after addresses the container by ID so a rename
	// mid-run cannot redirect commands.
	id string
}

// NotFoundError reports that no container matches the configured name.
type NotFoundError struct {
	Name      string
	Available []string
}

func (e *NotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("sandbox container %q not found and no containers exist", e.Name)
	}
	return fmt.Sprintf("sandbox container %q not found; available: %s",
		e.Name, strings.Join(e.Available, ", "))
}

// NewController returns a Controller for the named container. hostRoot is
// the project root on the host that Workdir mirrors inside the container.
func NewController(name, workdir, hostRoot string) *Controller {
	return &Controller{Name: name, Workdir: workdir, HostRoot: hostRoot, host: HostRunner{}}
}

// Available reports whether the docker CLI is usable.
func (c *Controller) Available(ctx context.Context) bool {
	res, err := c.host.Run(ctx, Command{Name: "docker", Args: []string{"version", "--format", "{{.Server.Version}}"}})
	return err == nil && res.ExitCode == 0
}

// Resolve looks the container up by name and pins its ID.
func (c *Controller) Resolve(ctx context.Context) error {
	res, err := c.host.Run(ctx, Command{
		Name: "docker",
		Args: []string{"ps", "-a", "--format", "{{.ID}}\t{{.Names}}\t{{.State}}"},
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker ps failed (exit %d): %s", res.ExitCode, res.Combined)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(res.Combined)), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		names = append(names, fields[1])
		if fields[1] == c.Name {
			c.id = fields[0]
			logging.Sandbox("resolved container %s to %s", c.Name, c.id)
			return nil
		}
	}
	sort.Strings(names)
	return &NotFoundError{Name: c.Name, Available: names}
}

// Boot ensures the container is running. Starting an already-running
// container is a no-op for docker, so Boot is idempotent.
func (c *Controller) Boot(ctx context.Context) error {
	if c.id == "" {
		if err := c.Resolve(ctx); err != nil {
			return err
		}
	}
	res, err := c.host.Run(ctx, Command{Name: "docker", Args: []string{"start", c.id}})
	if err != nil {
		return fmt.Errorf("start container %s: %w", c.Name, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("docker start %s failed (exit %d): %s", c.Name, res.ExitCode, res.Combined)
	}
	logging.Sandbox("container %s (%s) running", c.Name, c.id)
	return nil
}

// Run executes cmd inside the container via docker exec. Command.Dir is
// interpreted relative to the mounted Workdir when not absolute.
func (c *Controller) Run(ctx context.Context, cmd Command) (Result, error) {
	if c.id == "" {
		return Result{}, fmt.Errorf("container %s not resolved; call Boot first", c.Name)
	}

	dir := cmd.Dir
	if dir == "" {
		dir = c.Workdir
	} else if !strings.HasPrefix(dir, "/") {
		dir = c.Workdir + "/" + strings.TrimPrefix(dir, "./")
	} else {
		dir = c.translate(dir)
	}

	args := []string{"exec", "-w", dir}
	for _, e := range cmd.Env {
		args = append(args, "-e", c.translateEnv(e))
	}
	args = append(args, c.id, cmd.Name)
	args = append(args, cmd.Args...)

	return c.host.Run(ctx, Command{Name: "docker", Args: args, Timeout: cmd.Timeout})
}

// translate maps an absolute host path under HostRoot to its location
// inside the container. Paths outside HostRoot pass through unchanged.
func (c *Controller) translate(path string) string {
	if c.HostRoot == "" {
		return path
	}
	if path == c.HostRoot {
		return c.Workdir
	}
	if strings.HasPrefix(path, c.HostRoot+"/") {
		return c.Workdir + strings.TrimPrefix(path, c.HostRoot)
	}
	return path
}

// translateEnv rewrites a KEY=VALUE entry whose value is a host path under
// HostRoot, so settings like the dead-drop directory stay valid inside the
// container as long as they live under the mounted project root.
func (c *Controller) translateEnv(entry string) string {
	key, value, found := strings.Cut(entry, "=")
	if !found {
		return entry
	}
	return key + "=" + c.translate(value)
}
