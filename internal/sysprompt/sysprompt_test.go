package sysprompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/taskparse"
)

func TestForRole(t *testing.T) {
	assert.Equal(t, Coordinator, ForRole(model.RoleCoordinator))
	assert.Equal(t, Crafter, ForRole(model.RoleCrafter))
	assert.Equal(t, Verifier, ForRole(model.RoleVerifier))
	assert.Equal(t, Crafter, ForRole(model.Role("intern")))
}

func TestCompose(t *testing.T) {
	got := Compose(model.RoleCrafter, "ws-1", "agent-9", "task-3")
	assert.Contains(t, got, "You are a crafter")
	assert.Contains(t, got, "workspace_id: ws-1")
	assert.Contains(t, got, "agent_id: agent-9")
	assert.Contains(t, got, "task_id: task-3")

	unbound := Compose(model.RoleVerifier, "ws-1", "agent-9", "")
	assert.NotContains(t, unbound, "task_id")
}

// The format example embedded in the coordinator prompt must itself parse,
// otherwise the prompt teaches agents a grammar the parser rejects.
func TestCoordinatorExampleParses(t *testing.T) {
	log, err := logger.New(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	tasks := taskparse.NewParser(log).Parse(Coordinator, "ws-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "Short imperative title", tasks[0].Title)
	assert.NotEmpty(t, tasks[0].Scope)
	assert.NotEmpty(t, tasks[0].DoD)
	assert.NotEmpty(t, tasks[0].Verification)
}
