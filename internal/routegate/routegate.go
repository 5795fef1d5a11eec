// routegate.go - Glob-based route allow-list.
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

// Package routegate implements a positive/negative glob allow-list,
// using doublestar for minimatch-equivalent "**" and dotfile-matching
// semantics.
package routegate

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Gate is a compiled positive/negative pattern set. The zero value allows
// every path.
type Gate struct {
	positive []string
	negative []string
}

// New compiles allowedRoutes: patterns prefixed with "!" are negative;
// an empty or nil list means "allow all" for the positive side.
func New(allowedRoutes []string) *Gate {
	g := &Gate{}
	for _, p := range allowedRoutes {
		if strings.HasPrefix(p, "!") {
			g.negative = append(g.negative, strings.TrimPrefix(p, "!"))
		} else {
			g.positive = append(g.positive, p)
		}
	}
	return g
}

// Allowed decides whether path may be dispatched: path must begin with
// "/"; if positive patterns exist, at least one must match; no negative
// pattern may match.
func (g *Gate) Allowed(path string) bool {
	if !strings.HasPrefix(path, "/") {
		return false
	}

	if len(g.positive) > 0 {
		matched := false
		for _, pat := range g.positive {
			if match(pat, path) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, pat := range g.negative {
		if match(pat, path) {
			return false
		}
	}

	return true
}

func match(pattern, path string) bool {
	// doublestar operates on '/'-separated paths regardless of GOOS.
	trimmedPattern := strings.TrimPrefix(pattern, "/")
	trimmedPath := strings.TrimPrefix(path, "/")
	ok, err := doublestar.Match(trimmedPattern, trimmedPath)
	if err != nil {
		return false
	}
	return ok
}
