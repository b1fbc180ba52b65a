// Package supervisor manages the lifecycle of the deployment's processes:
// the coordinator itself plus any locally-run handlers. It is pid-file
// based so that successive CLI invocations (start, status, stop) agree on
// what is running without a resident daemon.
package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/relaycore/scheduled/pkg/log"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DefaultStopTimeout bounds how long a graceful stop waits before SIGKILL.
const DefaultStopTimeout = 15 * time.Second

// Deployment is one named set of supervised processes, loaded from the
// deployments file.
type Deployment struct {
	Name      string        `yaml:"name"`
	PidDir    string        `yaml:"pid_dir,omitempty"`
	Processes []ProcessSpec `yaml:"processes"`
}

// deploymentsFile is the on-disk document: deployment name -> Deployment.
type deploymentsFile struct {
	Deployments map[string]Deployment `yaml:"deployments"`
}

// Supervisor drives start/stop/restart/status/ensure over one deployment.
type Supervisor struct {
	deployment Deployment
	processes  []*process
	logger     zerolog.Logger
}

// Load reads the deployments file and selects the named deployment.
func Load(path, deploymentName string) (*Supervisor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("supervisor: read %s: %w", path, err)
	}

	var file deploymentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("supervisor: parse %s: %w", path, err)
	}

	dep, ok := file.Deployments[deploymentName]
	if !ok {
		return nil, fmt.Errorf("supervisor: deployment %q not found in %s", deploymentName, path)
	}
	dep.Name = deploymentName
	return New(dep)
}

// New builds a Supervisor over an in-memory deployment definition.
func New(dep Deployment) (*Supervisor, error) {
	if dep.PidDir == "" {
		dep.PidDir = filepath.Join(os.TempDir(), "scheduled-"+dep.Name)
	}
	if err := os.MkdirAll(dep.PidDir, 0755); err != nil {
		return nil, fmt.Errorf("supervisor: create pid dir: %w", err)
	}

	logger := log.WithComponent("supervisor")
	s := &Supervisor{deployment: dep, logger: logger}
	for _, spec := range dep.Processes {
		s.processes = append(s.processes, newProcess(spec, dep.PidDir, logger))
	}
	return s, nil
}

func (s *Supervisor) find(name string) (*process, error) {
	for _, p := range s.processes {
		if p.spec.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("supervisor: unknown process %q", name)
}

// StartAll starts every process in definition order. The first failure
// aborts the sweep so a broken deployment does not half-start.
func (s *Supervisor) StartAll() error {
	for _, p := range s.processes {
		if err := p.start(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every process in reverse definition order.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	var firstErr error
	for i := len(s.processes) - 1; i >= 0; i-- {
		if err := s.processes[i].stop(timeout); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RestartAll is StopAll followed by StartAll.
func (s *Supervisor) RestartAll(timeout time.Duration) error {
	if err := s.StopAll(timeout); err != nil {
		return err
	}
	return s.StartAll()
}

// Start starts one named process.
func (s *Supervisor) Start(name string) error {
	p, err := s.find(name)
	if err != nil {
		return err
	}
	return p.start()
}

// Stop stops one named process.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	p, err := s.find(name)
	if err != nil {
		return err
	}
	return p.stop(timeout)
}

// Restart restarts one named process.
func (s *Supervisor) Restart(name string, timeout time.Duration) error {
	if err := s.Stop(name, timeout); err != nil {
		return err
	}
	return s.Start(name)
}

// Status returns a snapshot for every process.
func (s *Supervisor) Status() []ProcessInfo {
	infos := make([]ProcessInfo, 0, len(s.processes))
	for _, p := range s.processes {
		infos = append(infos, p.info())
	}
	return infos
}

// Ensure starts any process that is not currently running; already-running
// processes are untouched. It reports how many were (re)started.
func (s *Supervisor) Ensure() (int, error) {
	started := 0
	for _, p := range s.processes {
		if p.info().State == StateRunning {
			continue
		}
		if err := p.start(); err != nil {
			return started, err
		}
		started++
	}
	return started, nil
}
