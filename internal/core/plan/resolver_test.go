package plan

import (
	"testing"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declOf(services ...declaration.Service) *declaration.Declaration {
	return &declaration.Declaration{Name: "test", Services: services}
}

// =============================================================================
// Resolve Tests
// =============================================================================

func TestResolve_Empty(t *testing.T) {
	plan, err := Resolve(declOf())
	require.NoError(t, err)
	assert.Empty(t, plan.Waves)
}

func TestResolve_SingleService(t *testing.T) {
	plan, err := Resolve(declOf(declaration.Service{Name: "db"}))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 1)
	assert.Equal(t, []string{"db"}, plan.Waves[0].Names())
}

func TestResolve_NoDependenciesOneWave(t *testing.T) {
	plan, err := Resolve(declOf(
		declaration.Service{Name: "db"},
		declaration.Service{Name: "cache"},
		declaration.Service{Name: "web"},
	))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 1)
	// Declaration order preserved inside the wave
	assert.Equal(t, []string{"db", "cache", "web"}, plan.Waves[0].Names())
}

func TestResolve_DbThenApp(t *testing.T) {
	// Scenario from the composition contract: db with no dependencies,
	// app depending on db -> plan [[db], [app]].
	plan, err := Resolve(declOf(
		declaration.Service{Name: "db"},
		declaration.Service{Name: "app", DependsOn: []string{"db"}},
	))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
	assert.Equal(t, []string{"db"}, plan.Waves[0].Names())
	assert.Equal(t, []string{"app"}, plan.Waves[1].Names())
}

func TestResolve_Diamond(t *testing.T) {
	//       web
	//      /   \
	//    api   cache
	//      \   /
	//       db
	plan, err := Resolve(declOf(
		declaration.Service{Name: "web", DependsOn: []string{"api", "cache"}},
		declaration.Service{Name: "api", DependsOn: []string{"db"}},
		declaration.Service{Name: "cache", DependsOn: []string{"db"}},
		declaration.Service{Name: "db"},
	))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 3)
	assert.Equal(t, []string{"db"}, plan.Waves[0].Names())
	assert.Equal(t, []string{"api", "cache"}, plan.Waves[1].Names())
	assert.Equal(t, []string{"web"}, plan.Waves[2].Names())
}

func TestResolve_EveryServiceAfterItsDependencies(t *testing.T) {
	plan, err := Resolve(declOf(
		declaration.Service{Name: "a", DependsOn: []string{"b"}},
		declaration.Service{Name: "b", DependsOn: []string{"c"}},
		declaration.Service{Name: "c"},
		declaration.Service{Name: "d", DependsOn: []string{"c", "a"}},
	))
	require.NoError(t, err)

	for _, wave := range plan.Waves {
		for _, svc := range wave {
			for _, dep := range svc.DependsOn {
				assert.Less(t, plan.WaveOf(dep), plan.WaveOf(svc.Name),
					"%s must start after %s", svc.Name, dep)
			}
		}
	}
}

func TestResolve_NoImpliedOrdering(t *testing.T) {
	// db-admin declares no dependency on db, so no ordering is inferred:
	// both land in the first wave.
	plan, err := Resolve(declOf(
		declaration.Service{Name: "db"},
		declaration.Service{Name: "db-admin"},
		declaration.Service{Name: "app", DependsOn: []string{"db"}},
	))
	require.NoError(t, err)
	require.Len(t, plan.Waves, 2)
	assert.Equal(t, []string{"db", "db-admin"}, plan.Waves[0].Names())
	assert.Equal(t, []string{"app"}, plan.Waves[1].Names())
}

func TestResolve_Deterministic(t *testing.T) {
	decl := declOf(
		declaration.Service{Name: "z"},
		declaration.Service{Name: "m"},
		declaration.Service{Name: "a"},
	)

	first, err := Resolve(decl)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Resolve(decl)
		require.NoError(t, err)
		require.Equal(t, len(first.Waves), len(again.Waves))
		for w := range first.Waves {
			assert.Equal(t, first.Waves[w].Names(), again.Waves[w].Names())
		}
	}
}

func TestResolve_Cycle(t *testing.T) {
	_, err := Resolve(declOf(
		declaration.Service{Name: "a", DependsOn: []string{"b"}},
		declaration.Service{Name: "b", DependsOn: []string{"a"}},
	))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Contains(t, cycleErr.Cycle, "a")
	assert.Contains(t, cycleErr.Cycle, "b")
	// The cycle closes on its first element
	assert.Equal(t, cycleErr.Cycle[0], cycleErr.Cycle[len(cycleErr.Cycle)-1])
}

func TestResolve_SelfReference(t *testing.T) {
	_, err := Resolve(declOf(
		declaration.Service{Name: "a", DependsOn: []string{"a"}},
	))
	assert.ErrorIs(t, err, ErrCycle)
}

func TestResolve_CycleBehindValidServices(t *testing.T) {
	_, err := Resolve(declOf(
		declaration.Service{Name: "db"},
		declaration.Service{Name: "x", DependsOn: []string{"y", "db"}},
		declaration.Service{Name: "y", DependsOn: []string{"x"}},
	))
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotContains(t, cycleErr.Cycle, "db")
}

func TestStartPlan_Services(t *testing.T) {
	plan, err := Resolve(declOf(
		declaration.Service{Name: "db"},
		declaration.Service{Name: "app", DependsOn: []string{"db"}},
	))
	require.NoError(t, err)

	flat := plan.Services()
	require.Len(t, flat, 2)
	assert.Equal(t, "db", flat[0].Name)
	assert.Equal(t, "app", flat[1].Name)
}
