package app

import (
	"fmt"
	"path/filepath"
	"strings"

	"intentd/internal/config"
	"intentd/internal/jobs"
	"intentd/internal/jobs/command"
	"intentd/internal/jobs/unit"
	logx "intentd/pkg/logx"
)

const (
	BodyCommand = "command"
	BodySystemd = "systemd"
)

// BodyFactory builds the job body of one family from its config.
type BodyFactory func(fc config.FamilyConfig, log logx.Logger) (jobs.Body, error)

type bodyRegistry struct {
	dataDir   string
	factories map[string]BodyFactory
}

func newBodyRegistry(dataDir string) *bodyRegistry {
	r := &bodyRegistry{dataDir: dataDir, factories: map[string]BodyFactory{}}
	r.factories[BodyCommand] = r.commandBody
	r.factories[BodySystemd] = systemdBody
	return r
}

func (r *bodyRegistry) register(kind string, f BodyFactory) {
	r.factories[strings.ToLower(strings.TrimSpace(kind))] = f
}

func (r *bodyRegistry) build(fc config.FamilyConfig, log logx.Logger) (jobs.Body, error) {
	kind := strings.ToLower(strings.TrimSpace(fc.Body))
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown body %q", fc.Body)
	}
	return f(fc, log)
}

// check builds a throwaway body. Factories must not touch the outside world.
func (r *bodyRegistry) check(fc config.FamilyConfig) error {
	_, err := r.build(fc, logx.Nop())
	return err
}

func (r *bodyRegistry) commandBody(fc config.FamilyConfig, log logx.Logger) (jobs.Body, error) {
	stateDir := strings.TrimSpace(fc.StateDir)
	if stateDir == "" {
		stateDir = filepath.Join(r.dataDir, "state", strings.TrimSpace(fc.Type))
	}
	tasks := make(map[string]command.Task, len(fc.Tasks))
	for _, tc := range fc.Tasks {
		tasks[strings.TrimSpace(tc.ID)] = command.Task{
			Command:  tc.Command,
			Dir:      tc.Dir,
			Env:      tc.Env,
			Resource: tc.Resource,
		}
	}
	return command.New(command.Config{StateDir: stateDir, Tasks: tasks}, log)
}

func systemdBody(fc config.FamilyConfig, log logx.Logger) (jobs.Body, error) {
	units := make(map[string]string, len(fc.Tasks))
	for _, tc := range fc.Tasks {
		units[strings.TrimSpace(tc.ID)] = tc.Unit
	}
	return unit.New(unit.Config{Units: units}, log)
}
