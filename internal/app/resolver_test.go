//go:build unit
// +build unit

package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustVersion(t *testing.T, s string) *Constraint {
	t.Helper()
	c, err := ParseConstraint(s)
	require.NoError(t, err)
	return &c
}

func TestParseConstraint(t *testing.T) {
	anyV, err := ParseConstraint("")
	require.NoError(t, err)
	star, err := ParseConstraint("*")
	require.NoError(t, err)

	v100, err := ParseVersion("1.0")
	require.NoError(t, err)
	v200, err := ParseVersion("2.0")
	require.NoError(t, err)
	v090, err := ParseVersion("0.9")
	require.NoError(t, err)

	assert.True(t, anyV.Matches(v100))
	assert.True(t, star.Matches(v090))

	gte := mustVersion(t, ">= 1.0")
	assert.True(t, gte.Matches(v100))
	assert.True(t, gte.Matches(v200))
	assert.False(t, gte.Matches(v090))

	gt := mustVersion(t, "> 1.0")
	assert.False(t, gt.Matches(v100))
	assert.True(t, gt.Matches(v200))

	lt := mustVersion(t, "< 2.0")
	assert.True(t, lt.Matches(v100))
	assert.False(t, lt.Matches(v200))

	lte := mustVersion(t, "<= 1.0")
	assert.True(t, lte.Matches(v100))
	assert.False(t, lte.Matches(v200))

	exact := mustVersion(t, "= 1.0")
	assert.True(t, exact.Matches(v100))
	assert.False(t, exact.Matches(v200))

	doubleEq := mustVersion(t, "==2.0")
	assert.True(t, doubleEq.Matches(v200))

	bare := mustVersion(t, "1.0")
	assert.True(t, bare.Matches(v100))
	assert.False(t, bare.Matches(v200))

	_, err = ParseConstraint(">= banana")
	assert.Error(t, err)
}

func TestParseVersionLenient(t *testing.T) {
	v, err := ParseVersion("3")
	require.NoError(t, err)
	assert.Equal(t, "3.0.0", v.String())

	v, err = ParseVersion("1.2")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", v.String())

	v, err = ParseVersion("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", v.String())

	_, err = ParseVersion("not-a-version")
	assert.Error(t, err)
}

func TestParseDependency(t *testing.T) {
	name, c, err := ParseDependency("zlib >= 1.2")
	require.NoError(t, err)
	assert.Equal(t, "zlib", name)
	assert.Equal(t, ">= 1.2.0", c.String())

	name, c, err = ParseDependency("openssl")
	require.NoError(t, err)
	assert.Equal(t, "openssl", name)
	assert.Equal(t, "*", c.String())
}

func TestResolveSimpleChain(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("a", "1.0.0", nil))
	require.NoError(t, r.AddPackage("b", "1.0.0", map[string]string{"a": ">= 1.0"}))

	solution, err := r.Resolve([]string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []Selection{
		{Name: "a", Version: "1.0.0"},
		{Name: "b", Version: "1.0.0"},
	}, solution)
}

func TestResolvePicksHighestVersion(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("lib", "1.0", nil))
	require.NoError(t, r.AddPackage("lib", "1.5", nil))
	require.NoError(t, r.AddPackage("lib", "2.0", nil))
	require.NoError(t, r.AddPackage("tool", "1.0", map[string]string{"lib": ">= 1.0"}))

	solution, err := r.Resolve([]string{"tool"})
	require.NoError(t, err)
	require.Len(t, solution, 2)
	assert.Equal(t, Selection{Name: "lib", Version: "2.0"}, solution[0])
}

func TestResolveRespectsUpperBounds(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("lib", "1.0", nil))
	require.NoError(t, r.AddPackage("lib", "2.0", nil))
	require.NoError(t, r.AddPackage("tool", "1.0", map[string]string{"lib": "< 2.0"}))

	solution, err := r.Resolve([]string{"tool"})
	require.NoError(t, err)
	assert.Equal(t, Selection{Name: "lib", Version: "1.0"}, solution[0])
}

func TestResolveBacktracks(t *testing.T) {
	// b prefers lib 2.0 but c only works with lib 1.x, so the solver
	// has to back off to lib 1.0.
	r := NewResolver()
	require.NoError(t, r.AddPackage("lib", "1.0", nil))
	require.NoError(t, r.AddPackage("lib", "2.0", nil))
	require.NoError(t, r.AddPackage("b", "1.0", map[string]string{"lib": ">= 1.0"}))
	require.NoError(t, r.AddPackage("c", "1.0", map[string]string{"lib": "< 2.0"}))

	solution, err := r.Resolve([]string{"b", "c"})
	require.NoError(t, err)
	require.Len(t, solution, 3)
	assert.Equal(t, Selection{Name: "lib", Version: "1.0"}, solution[2])
}

func TestResolveConflict(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("lib", "1.0", nil))
	require.NoError(t, r.AddPackage("b", "1.0", map[string]string{"lib": ">= 2.0"}))

	_, err := r.Resolve([]string{"b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no version of lib")
}

func TestResolveUnknownPackage(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve([]string{"ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "package ghost not found")
}

func TestResolveMissingTransitiveDependency(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("b", "1.0", map[string]string{"ghost": "*"}))

	_, err := r.Resolve([]string{"b"})
	require.Error(t, err)
}

func TestAddDependencyList(t *testing.T) {
	r := NewResolver()
	require.NoError(t, r.AddPackage("zlib", "1.3", nil))
	require.NoError(t, r.AddDependencyList("curl", "8.5", []string{"zlib >= 1.2"}))

	solution, err := r.Resolve([]string{"curl"})
	require.NoError(t, err)
	require.Len(t, solution, 2)
	assert.Equal(t, "curl", solution[0].Name)
	assert.Equal(t, "zlib", solution[1].Name)
}
