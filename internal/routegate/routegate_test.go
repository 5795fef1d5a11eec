// routegate_test.go - Glob-based route allow-list tests.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package routegate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGateZeroValueAllowsEverything(t *testing.T) {
	require := require.New(t)

	g := New(nil)
	require.True(g.Allowed("/anything"))
	require.True(g.Allowed("/deep/path"))
}

func TestGatePositivePatterns(t *testing.T) {
	require := require.New(t)

	g := New([]string{"/api/**"})
	require.True(g.Allowed("/api/v1/users"))
	require.False(g.Allowed("/admin"))
}

func TestGateNegativePatternOverridesPositive(t *testing.T) {
	require := require.New(t)

	g := New([]string{"/api/**", "!/api/internal/**"})
	require.True(g.Allowed("/api/v1/users"))
	require.False(g.Allowed("/api/internal/secrets"))
}

func TestGateRejectsRelativePaths(t *testing.T) {
	require := require.New(t)

	g := New(nil)
	require.False(g.Allowed("api/v1"))
}

func TestGateOnlyNegativePatterns(t *testing.T) {
	require := require.New(t)

	g := New([]string{"!/private/**"})
	require.True(g.Allowed("/public"))
	require.False(g.Allowed("/private/data"))
}
