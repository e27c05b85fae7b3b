package forge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(descs ...LibraryDescriptor) *Registry {
	r := &Registry{libraries: make(map[string]LibraryDescriptor)}
	for _, d := range descs {
		r.libraries[d.Name] = d
	}
	return r
}

func TestComputePlanLayersDependencies(t *testing.T) {
	reg := testRegistry(
		LibraryDescriptor{Name: "zlib"},
		LibraryDescriptor{Name: "png", Depends: []string{"zlib"}},
		LibraryDescriptor{Name: "freetype", Depends: []string{"png", "zlib"}},
		LibraryDescriptor{Name: "cairo", Depends: []string{"freetype", "png"}},
		LibraryDescriptor{Name: "sdl2"},
	)

	descs, err := expandRequest(reg, NewLedger(), TripleLinux, []string{"cairo", "sdl2"})
	require.NoError(t, err)

	plan, err := ComputePlan(descs)
	require.NoError(t, err)

	require.Equal(t, [][]string{
		{"sdl2", "zlib"},
		{"png"},
		{"freetype"},
		{"cairo"},
	}, plan.Stages)
	assert.Equal(t, 5, plan.TotalCount())
}

func TestComputePlanStageOrderIsDeterministic(t *testing.T) {
	descs := map[string]LibraryDescriptor{
		"c": {Name: "c"},
		"a": {Name: "a"},
		"b": {Name: "b"},
	}
	for i := 0; i < 10; i++ {
		plan, err := ComputePlan(descs)
		require.NoError(t, err)
		require.Equal(t, [][]string{{"a", "b", "c"}}, plan.Stages)
	}
}

func TestComputePlanDetectsCycle(t *testing.T) {
	descs := map[string]LibraryDescriptor{
		"a": {Name: "a", Depends: []string{"b"}},
		"b": {Name: "b", Depends: []string{"a"}},
		"c": {Name: "c"},
	}

	_, err := ComputePlan(descs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "a -> b -> a")
}

func TestExpandRequestUnknownLibrary(t *testing.T) {
	reg := testRegistry(LibraryDescriptor{Name: "zlib"})

	_, err := expandRequest(reg, NewLedger(), TripleLinux, []string{"nosuchlib"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownLibrary)
	assert.Contains(t, err.Error(), "nosuchlib")
}

func TestExpandRequestUnknownDependency(t *testing.T) {
	reg := testRegistry(LibraryDescriptor{Name: "top", Depends: []string{"missing"}})

	_, err := expandRequest(reg, NewLedger(), TripleLinux, []string{"top"})
	assert.ErrorIs(t, err, ErrUnknownLibrary)
}

func TestExpandRequestPullsTransitiveDependencies(t *testing.T) {
	reg := NewRegistry()

	descs, err := expandRequest(reg, NewLedger(), TripleLinux, []string{"cairo"})
	require.NoError(t, err)

	for _, name := range []string{"cairo", "pixman", "freetype", "png", "zlib"} {
		assert.Contains(t, descs, name)
	}
}
