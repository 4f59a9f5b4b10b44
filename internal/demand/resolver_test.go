package demand

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/blueprint"
	"github.com/droverhq/drover/internal/common/logger"
	"github.com/droverhq/drover/internal/db"
	"github.com/droverhq/drover/internal/run"
	"github.com/droverhq/drover/internal/session"
	"github.com/droverhq/drover/internal/worker"
)

type fixture struct {
	resolver   *Resolver
	blueprints *blueprint.Registry
	workers    *worker.Registry
	store      *session.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Default()

	database, err := db.Open(filepath.Join(t.TempDir(), "drover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	store, err := session.NewStore(database, log)
	require.NoError(t, err)

	blueprints := blueprint.NewRegistry("", log)
	workers := worker.NewRegistry(log)
	return &fixture{
		resolver:   NewResolver(blueprints, workers, store, log),
		blueprints: blueprints,
		workers:    workers,
		store:      store,
	}
}

func TestResolveDefaults(t *testing.T) {
	f := newFixture(t)

	d, err := f.resolver.Resolve(context.Background(), run.TypeStartSession, "s-1", "", run.Demands{})
	require.NoError(t, err)
	assert.Equal(t, blueprint.TypeAutonomous, d.ExecutorType, "executor type always resolves")
	assert.Empty(t, d.Hostname)
	assert.Empty(t, d.Tags)
}

func TestResolveBlueprintDemands(t *testing.T) {
	f := newFixture(t)

	bp := blueprint.Blueprint{
		Name:         "builder",
		ExecutorType: blueprint.TypeProcedural,
		Demands:      run.Demands{Hostname: "bp-host", Tags: []string{"docker"}},
		Script:       &blueprint.ScriptRef{Name: "build.sh", Tags: []string{"make", "docker"}},
	}
	require.NoError(t, f.blueprints.RegisterOwned("w-owner", []*blueprint.Blueprint{&bp}))
	// Owner not registered in the worker registry: pin still applies by id.

	d, err := f.resolver.Resolve(context.Background(), run.TypeStartSession, "s-1", "builder", run.Demands{})
	require.NoError(t, err)
	assert.Equal(t, "w-owner", d.OwnerWorkerID)
	assert.Equal(t, "bp-host", d.Hostname)
	assert.Equal(t, blueprint.TypeProcedural, d.ExecutorType)
	assert.ElementsMatch(t, []string{"docker", "make"}, d.Tags, "script tags union into blueprint tags")
}

func TestResolveOwnedBlueprintPinsOwnerIdentity(t *testing.T) {
	f := newFixture(t)

	info, _ := f.workers.Register(worker.RegisterParams{
		Hostname:        "owner-host",
		ProjectDir:      "/owner/proj",
		ExecutorProfile: "owner-profile",
		Executor:        "autonomous",
	})
	require.NoError(t, f.blueprints.RegisterOwned(info.ID, []*blueprint.Blueprint{
		{Name: "local-agent"},
	}))

	d, err := f.resolver.Resolve(context.Background(), run.TypeStartSession, "s-1", "local-agent", run.Demands{})
	require.NoError(t, err)
	assert.Equal(t, info.ID, d.OwnerWorkerID)
	assert.Equal(t, "owner-host", d.Hostname)
	assert.Equal(t, "/owner/proj", d.ProjectDir)
	assert.Equal(t, "owner-profile", d.ExecutorProfile)
}

func TestResolveResumeAffinity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Create(ctx, session.CreateParams{SessionID: "s-1"})
	require.NoError(t, err)
	_, err = f.store.BindExecutor(ctx, "s-1", "exec-1", "bound-host", "bound-profile", "/proj")
	require.NoError(t, err)

	t.Run("resume pins to the bound host", func(t *testing.T) {
		d, err := f.resolver.Resolve(ctx, run.TypeResumeSession, "s-1", "", run.Demands{})
		require.NoError(t, err)
		assert.Equal(t, "bound-host", d.Hostname)
		assert.Equal(t, "bound-profile", d.ExecutorProfile)
	})

	t.Run("affinity yields to an owned blueprint pin", func(t *testing.T) {
		info, _ := f.workers.Register(worker.RegisterParams{
			Hostname: "other-host", ProjectDir: "/o", ExecutorProfile: "op",
		})
		require.NoError(t, f.blueprints.RegisterOwned(info.ID, []*blueprint.Blueprint{{Name: "pinned"}}))

		d, err := f.resolver.Resolve(ctx, run.TypeResumeSession, "s-1", "pinned", run.Demands{})
		require.NoError(t, err)
		assert.Equal(t, "other-host", d.Hostname, "owner identity wins over affinity")
	})

	t.Run("resume of unknown session fails", func(t *testing.T) {
		_, err := f.resolver.Resolve(ctx, run.TypeResumeSession, "s-ghost", "", run.Demands{})
		assert.Error(t, err)
	})
}

func TestResolveAdditionalDemands(t *testing.T) {
	f := newFixture(t)

	d, err := f.resolver.Resolve(context.Background(), run.TypeStartSession, "s-1", "",
		run.Demands{Hostname: "wanted", Tags: []string{"gpu"}})
	require.NoError(t, err)
	assert.Equal(t, "wanted", d.Hostname)
	assert.Equal(t, []string{"gpu"}, d.Tags)
	assert.Equal(t, blueprint.TypeAutonomous, d.ExecutorType)
}
