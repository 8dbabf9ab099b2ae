package provision

import (
	"github.com/wphive/backend/internal/core/ports"
	"github.com/wphive/backend/internal/domain"
)

// Step IDs of the WordPress install sequence.
const (
	StepPreflight    = "preflight"
	StepDependencies = "dependencies"
	StepWordPress    = "wordpress"
	StepSSL          = "ssl"
	StepVerification = "verification"
)

// Step is one named unit of remote work within an attempt. Steps are not
// resumable: a retried attempt restarts from the first step.
type Step struct {
	ID       string
	Name     string
	Commands []string
}

// Catalog returns the ordered step ids and names for an installation, without
// commands. The ssl step is only included when the enable_ssl option is set.
func Catalog(installation *domain.Installation) []Step {
	all := []Step{
		{ID: StepPreflight, Name: "System preflight checks"},
		{ID: StepDependencies, Name: "Install dependencies"},
		{ID: StepWordPress, Name: "Install WordPress"},
		{ID: StepSSL, Name: "Configure SSL"},
		{ID: StepVerification, Name: "Verify installation"},
	}

	enableSSL := false
	if installation.Options != nil {
		if v, ok := installation.Options["enable_ssl"].(bool); ok {
			enableSSL = v
		}
	}

	steps := make([]Step, 0, len(all))
	for _, s := range all {
		if s.ID == StepSSL && !enableSSL {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}

// BuildSteps assembles the runnable step list, rendering each step's commands
// through the script generator.
func BuildSteps(installation *domain.Installation, gen ports.ScriptGenerator) ([]Step, error) {
	steps := Catalog(installation)
	for i := range steps {
		cmds, err := gen.StepCommands(steps[i].ID, installation)
		if err != nil {
			return nil, err
		}
		steps[i].Commands = cmds
	}
	return steps, nil
}
