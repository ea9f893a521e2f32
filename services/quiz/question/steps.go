// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package question

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/lures"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/rounds"
)

// buildSteps builds the ascension steps for target, broadest rank first.
//
// Each configured rank becomes a step when the target has an ancestor at
// that rank and at least one other taxon at the same rank can be offered.
// Distractors come from the lures' lineages first, then from the rest of
// the pool. Snapshots without ancestors are completed through the lineage
// source for the target and its lures only. The final step always asks for
// the target itself with the lures as the other options.
func (g *Generator) buildSteps(ctx context.Context, p *datatypes.Pool, target datatypes.TaxonSnapshot, picked []lures.Lure, locale string, rng *rand.Rand) ([]rounds.Step, error) {
	lineage := g.withLineage(ctx, target, locale)

	others := make([]datatypes.TaxonSnapshot, 0, len(picked)+p.Size())
	for _, l := range picked {
		others = append(others, g.withLineage(ctx, l.Taxon, locale))
	}
	rest := slices.Clone(p.TaxonList)
	rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for _, id := range rest {
		if id == target.ID {
			continue
		}
		if t, ok := p.Taxon(id); ok {
			others = append(others, t)
		}
	}

	var steps []rounds.Step
	for _, rank := range g.config.StepRanks {
		if rank == target.Rank {
			continue
		}
		correct, ok := lineage.AncestorAtRank(rank)
		if !ok {
			continue
		}

		options := []rounds.Option{{TaxonID: correct.ID, Label: correct.Label()}}
		used := map[int64]struct{}{correct.ID: {}}
		for _, t := range others {
			if len(options) >= g.config.StepOptions {
				break
			}
			a, ok := t.AncestorAtRank(rank)
			if !ok {
				continue
			}
			if _, dup := used[a.ID]; dup {
				continue
			}
			used[a.ID] = struct{}{}
			options = append(options, rounds.Option{TaxonID: a.ID, Label: a.Label()})
		}
		if len(options) < 2 {
			continue
		}
		rng.Shuffle(len(options), func(i, j int) { options[i], options[j] = options[j], options[i] })
		steps = append(steps, rounds.Step{
			Rank:      rank,
			Options:   options,
			Points:    g.points(rank),
			CorrectID: correct.ID,
		})
	}

	if len(picked) == 0 {
		return nil, fmt.Errorf("%w: taxon %d has no lures for its final step", quizerr.ErrLureShortfall, target.ID)
	}
	final := []rounds.Option{{TaxonID: target.ID, Label: target.Label()}}
	for _, l := range picked {
		final = append(final, rounds.Option{TaxonID: l.TaxonID, Label: l.Taxon.Label()})
	}
	rng.Shuffle(len(final), func(i, j int) { final[i], final[j] = final[j], final[i] })
	steps = append(steps, rounds.Step{
		Rank:      target.Rank,
		Options:   final,
		Points:    g.points(target.Rank),
		CorrectID: target.ID,
	})
	return steps, nil
}

// withLineage returns target with ancestors filled from the lineage source
// when the snapshot carries none.
func (g *Generator) withLineage(ctx context.Context, target datatypes.TaxonSnapshot, locale string) datatypes.TaxonSnapshot {
	if len(target.Ancestors) > 0 || g.lineage == nil {
		return target
	}
	details, err := g.lineage.TaxonDetails(ctx, target.ID, locale)
	if err != nil {
		g.logger.WarnContext(ctx, "taxon lineage unavailable, ancestor steps skipped",
			slog.Int64("taxon_id", target.ID),
			slog.String("error", err.Error()),
		)
		return target
	}
	target.Ancestors = details.Ancestors
	return target
}

func (g *Generator) points(rank string) int {
	if pts, ok := g.config.RankPoints[rank]; ok && pts > 0 {
		return pts
	}
	return 1
}
