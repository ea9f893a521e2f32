// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SharedPrefixDepth returns the length of the common root-first prefix of
// two ancestor chains.
func SharedPrefixDepth(a, b []int64) int {
	n := min(len(a), len(b))
	depth := 0
	for depth < n && a[depth] == b[depth] {
		depth++
	}
	return depth
}

// Closeness scores how taxonomically close candidate is to target as the
// shared ancestor depth divided by the target's depth. The result is in
// [0,1]; an empty target chain scores 0.
func Closeness(target, candidate []int64) float64 {
	return float64(SharedPrefixDepth(target, candidate)) / float64(max(len(target), 1))
}

// DeepestSharedRank returns the rank of the deepest ancestor two snapshots
// share, or "" when their lineages diverge at the root.
func DeepestSharedRank(a, b TaxonSnapshot) string {
	depth := SharedPrefixDepth(a.AncestorIDs, b.AncestorIDs)
	if depth == 0 {
		return ""
	}
	shared := a.AncestorIDs[depth-1]
	if shared == a.ID {
		return a.Rank
	}
	for _, anc := range a.Ancestors {
		if anc.ID == shared {
			return anc.Rank
		}
	}
	return ""
}
