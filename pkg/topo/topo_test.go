// SPDX-License-Identifier: Apache-2.0

package topo_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerflow/migrate/pkg/topo"
)

func TestSort_NoDependencies_PreservesOrder(t *testing.T) {
	items := []string{"a", "b", "c"}
	out, err := topo.Sort(items, func(string) []string { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out)
}

func TestSort_StableWithPartialDependencies(t *testing.T) {
	// Inputs ordered [A, B, C] with only dependency C->B (B depends on C).
	// A stays first because it is independent; C moves before B.
	deps := map[string][]string{
		"B": {"C"},
	}
	out, err := topo.Sort([]string{"A", "B", "C"}, func(s string) []string { return deps[s] })
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, out)
}

func TestSort_DependencyPrecedence(t *testing.T) {
	deps := map[string][]string{
		"m2": {"m1"},
	}
	out, err := topo.Sort([]string{"m1", "m2"}, func(s string) []string { return deps[s] })
	require.NoError(t, err)

	idx := map[string]int{}
	for i, v := range out {
		idx[v] = i
	}
	assert.Less(t, idx["m1"], idx["m2"])
}

func TestSort_CycleDetected(t *testing.T) {
	deps := map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}
	_, err := topo.Sort([]string{"a", "b"}, func(s string) []string { return deps[s] })
	require.Error(t, err)

	var cycleErr *topo.CycleError[string]
	require.True(t, errors.As(err, &cycleErr))
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Nodes)
}

func TestSort_DanglingDependency(t *testing.T) {
	deps := map[string][]string{
		"a": {"ghost"},
	}
	_, err := topo.Sort([]string{"a"}, func(s string) []string { return deps[s] })
	require.Error(t, err)

	var danglingErr *topo.DanglingDependencyError[string]
	require.True(t, errors.As(err, &danglingErr))
	assert.Equal(t, "ghost", danglingErr.Node)
}

func TestSort_LargerGraph(t *testing.T) {
	// Diamond: d depends on b and c, both depend on a.
	deps := map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
	}
	out, err := topo.Sort([]string{"a", "b", "c", "d"}, func(s string) []string { return deps[s] })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, out)
}
