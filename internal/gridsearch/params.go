// Package gridsearch enumerates and evaluates strategy parameter grids.
package gridsearch

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/atlas-desktop/backtest-lab/pkg/types"
)

// ParameterCombination is one immutable point of the search space. The
// hash is derived from the sorted parameter values, so the same values
// always produce the same hash regardless of enumeration order.
type ParameterCombination struct {
	Values map[string]float64 `json:"values"`
	Hash   string             `json:"hash"`
}

// NewCombination builds a combination and its content hash.
func NewCombination(values map[string]float64) ParameterCombination {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return ParameterCombination{
		Values: copied,
		Hash:   hashValues(copied),
	}
}

// hashValues produces a canonical SHA-256 over name=value pairs in sorted
// name order.
func hashValues(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(values[k], 'g', -1, 64))
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Enumerate produces the Cartesian product of all discretized parameter
// axes. Combinations that hash identically (duplicate axis values) are
// emitted once.
func Enumerate(defs []types.ParameterDefinition) []ParameterCombination {
	if len(defs) == 0 {
		return nil
	}

	axes := make([][]float64, len(defs))
	for i, def := range defs {
		axes[i] = def.Values()
	}

	var out []ParameterCombination
	seen := make(map[string]struct{})
	current := make(map[string]float64, len(defs))

	var walk func(idx int)
	walk = func(idx int) {
		if idx == len(defs) {
			combo := NewCombination(current)
			if _, dup := seen[combo.Hash]; dup {
				return
			}
			seen[combo.Hash] = struct{}{}
			out = append(out, combo)
			return
		}
		for _, v := range axes[idx] {
			current[defs[idx].Name] = v
			walk(idx + 1)
		}
	}
	walk(0)

	return out
}
