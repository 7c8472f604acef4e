// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dedup

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// Policy chooses the canonical representative of a duplicate group.
type Policy string

const (
	// PolicyLexical keeps the lexically smallest path.
	PolicyLexical Policy = "lexical"
	// PolicyOldest keeps the file with the oldest modification time.
	PolicyOldest Policy = "oldest"
	// PolicyShortest keeps the shortest path.
	PolicyShortest Policy = "shortest"
)

// DefaultPolicy is used when no policy is configured.
const DefaultPolicy = PolicyLexical

// ParsePolicy parses a policy name. An empty name yields DefaultPolicy.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(name))); p {
	case "":
		return DefaultPolicy, nil
	case PolicyLexical, PolicyOldest, PolicyShortest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown canonical policy %q (want lexical, oldest or shortest)", name)
	}
}

// Order returns a copy of paths sorted so that the canonical candidate comes
// first. Ties always fall back to lexical order, so the result is
// deterministic.
func (p Policy) Order(paths []string) []string {
	ordered := slices.Clone(paths)
	switch p {
	case PolicyOldest:
		mtimes := make(map[string]time.Time, len(paths))
		for _, path := range paths {
			if info, err := os.Stat(path); err == nil {
				mtimes[path] = info.ModTime()
			}
		}
		slices.SortStableFunc(ordered, func(a, b string) int {
			ta, oka := mtimes[a]
			tb, okb := mtimes[b]
			switch {
			case oka && !okb:
				return -1
			case !oka && okb:
				return 1
			case oka && okb && !ta.Equal(tb):
				return ta.Compare(tb)
			}
			return strings.Compare(a, b)
		})
	case PolicyShortest:
		slices.SortStableFunc(ordered, func(a, b string) int {
			if len(a) != len(b) {
				return len(a) - len(b)
			}
			return strings.Compare(a, b)
		})
	default:
		slices.Sort(ordered)
	}
	return ordered
}
