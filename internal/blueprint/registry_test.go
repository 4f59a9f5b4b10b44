package blueprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/common/logger"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	write("planner.yaml", `
name: planner
description: plans work
executor_type: autonomous
system_prompt: You are a planner.
demands:
  tags: [linux]
`)
	write("deploy.yml", `
name: deploy
executor_type: procedural
script:
  name: deploy.sh
  tags: [ops]
`)
	write("broken.yaml", "name: [not a string")
	write("notes.txt", "ignored")

	r := NewRegistry(dir, logger.Default())
	require.NoError(t, r.LoadDir())

	t.Run("valid files load", func(t *testing.T) {
		bp, owner, ok := r.Get("planner")
		require.True(t, ok)
		assert.Empty(t, owner)
		assert.Equal(t, TypeAutonomous, bp.ExecutorType)
		assert.Equal(t, []string{"linux"}, bp.Demands.Tags)

		bp, _, ok = r.Get("deploy")
		require.True(t, ok)
		require.NotNil(t, bp.Script)
		assert.Equal(t, "deploy.sh", bp.Script.Name)
	})

	t.Run("broken file is skipped", func(t *testing.T) {
		assert.Len(t, r.List(), 2)
	})

	t.Run("reload replaces the set", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "deploy.yml")))
		require.NoError(t, r.LoadDir())
		_, _, ok := r.Get("deploy")
		assert.False(t, ok)
	})
}

func TestRegisterOwned(t *testing.T) {
	r := NewRegistry("", logger.Default())

	bp := func(name string) *Blueprint {
		return &Blueprint{Name: name, ExecutorType: TypeAutonomous}
	}

	require.NoError(t, r.RegisterOwned("w-1", []*Blueprint{bp("alpha"), bp("beta")}))

	t.Run("owned blueprint resolves with owner", func(t *testing.T) {
		_, owner, ok := r.Get("alpha")
		require.True(t, ok)
		assert.Equal(t, "w-1", owner)
	})

	t.Run("other worker collides", func(t *testing.T) {
		err := r.RegisterOwned("w-2", []*Blueprint{bp("alpha")})
		require.Error(t, err)
		collision, ok := err.(*AgentNameCollisionError)
		require.True(t, ok)
		assert.Equal(t, "alpha", collision.Name)
		assert.Equal(t, "w-1", collision.OwnerWorkerID)
	})

	t.Run("re-registration replaces the set", func(t *testing.T) {
		require.NoError(t, r.RegisterOwned("w-1", []*Blueprint{bp("alpha")}))
		_, _, ok := r.Get("beta")
		assert.False(t, ok, "dropped from the worker's new set")
	})

	t.Run("release frees the names", func(t *testing.T) {
		r.ReleaseOwned("w-1")
		require.NoError(t, r.RegisterOwned("w-2", []*Blueprint{bp("alpha")}))
	})
}

func TestOwnedShadowsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shared.yaml"),
		[]byte("name: shared\nsystem_prompt: file version\n"), 0o644))

	r := NewRegistry(dir, logger.Default())
	require.NoError(t, r.LoadDir())

	require.NoError(t, r.RegisterOwned("w-1", []*Blueprint{
		{Name: "shared", ExecutorType: TypeAutonomous, SystemPrompt: "worker version"},
	}))

	bp, owner, ok := r.Get("shared")
	require.True(t, ok)
	assert.Equal(t, "w-1", owner)
	assert.Equal(t, "worker version", bp.SystemPrompt)

	assert.Len(t, r.List(), 1, "shadowed file blueprint is not listed twice")

	r.ReleaseOwned("w-1")
	bp, owner, ok = r.Get("shared")
	require.True(t, ok)
	assert.Empty(t, owner)
	assert.Equal(t, "file version", bp.SystemPrompt)
}

func TestBlueprintValidate(t *testing.T) {
	assert.Error(t, (&Blueprint{}).Validate(), "name is required")
	assert.NoError(t, (&Blueprint{Name: "x"}).Validate())
	assert.Error(t, (&Blueprint{Name: "x", ExecutorType: "weird"}).Validate())
}

func TestEffectiveExecutorType(t *testing.T) {
	assert.Equal(t, TypeAutonomous, (&Blueprint{Name: "x"}).EffectiveExecutorType())
	assert.Equal(t, TypeProcedural, (&Blueprint{Name: "x", ExecutorType: TypeProcedural}).EffectiveExecutorType())
}
