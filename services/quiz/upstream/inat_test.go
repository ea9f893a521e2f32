// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

const observationsJSON = `{
  "total_results": 2, "page": 1, "per_page": 30,
  "results": [
    {
      "id": 101, "uri": "https://www.inaturalist.org/observations/101",
      "photos": [{"id": 9, "url": "https://static.example/photos/9/square.jpg", "attribution": "(c) someone"}],
      "observed_on_details": {"month": 5, "day": 17},
      "taxon": {"id": 3017, "name": "Columba livia", "preferred_common_name": "Rock Pigeon", "rank": "species",
                "ancestor_ids": [48460, 1, 2, 355675, 3, 2708, 2715, 3017], "iconic_taxon_id": 3, "iconic_taxon_name": "Aves"}
    },
    {"id": 102, "uri": "https://www.inaturalist.org/observations/102", "photos": []}
  ]
}`

func TestSearchObservations(t *testing.T) {
	var query string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		assert.Equal(t, "/observations", r.URL.Path)
		fmt.Fprint(w, observationsJSON)
	}))

	page, err := c.SearchObservations(context.Background(), ObservationQuery{TaxonIDs: []int64{3, 40151}, Page: 2, PerPage: 30})
	require.NoError(t, err)

	assert.Contains(t, query, "taxon_id=3%2C40151")
	assert.Contains(t, query, "page=2")
	assert.Contains(t, query, "photos=true")
	assert.Equal(t, 2, page.TotalResults)
	require.Len(t, page.Observations, 1, "results without a taxon are dropped")

	o := page.Observations[0]
	assert.Equal(t, int64(101), o.ID)
	assert.Equal(t, "Rock Pigeon", o.Taxon.Label())
	assert.Equal(t, 5, o.ObservedMonth)
	assert.Equal(t, 17, o.ObservedDay)
	assert.Equal(t, int64(3), o.Taxon.IconicTaxonID)
	assert.Len(t, o.Taxon.AncestorIDs, 8)
	assert.True(t, o.HasPhoto())
}

func TestSimilarSpecies(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identifications/similar_species", r.URL.Path)
		assert.Equal(t, "3017", r.URL.Query().Get("taxon_id"))
		fmt.Fprint(w, `{"results":[{"count":40,"taxon":{"id":3048}},{"count":3,"taxon":{"id":3017}},{"count":2,"taxon":{"id":1454}}]}`)
	}))

	ids, err := c.SimilarSpecies(context.Background(), 3017)

	require.NoError(t, err)
	assert.Equal(t, []int64{3048, 1454}, ids)
}

func TestTaxonDetails_MergesDefaultLocale(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Query().Get("locale") {
		case "de":
			fmt.Fprint(w, `{"results":[{"id":3017,"name":"Columba livia","preferred_common_name":"Straßentaube","rank":"species"}]}`)
		case "en":
			fmt.Fprint(w, `{"results":[{"id":3017,"name":"Columba livia","preferred_common_name":"Rock Pigeon","rank":"species",
				"wikipedia_url":"https://en.wikipedia.org/wiki/Rock_dove","wikipedia_summary":"The rock dove...",
				"default_photo":{"medium_url":"https://static.example/p/medium.jpg"}}]}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	d, err := c.TaxonDetails(context.Background(), 3017, "de")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "Straßentaube", d.PreferredCommonName)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Rock_dove", d.WikipediaURL)
	assert.Equal(t, "The rock dove...", d.WikipediaSummary)
	assert.Equal(t, "https://static.example/p/medium.jpg", d.DefaultPhotoURL)
	assert.Equal(t, "de", d.Locale)
}

func TestTaxonDetails_DefaultLocaleSingleFetch(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"results":[{"id":1,"name":"Animalia","rank":"kingdom"}]}`)
	}))

	_, err := c.TaxonDetails(context.Background(), 1, "")

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTaxonDetails_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/taxa/404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"results":[]}`)
	}))

	_, err := c.TaxonDetails(context.Background(), 404, "en")
	assert.ErrorIs(t, err, quizerr.ErrTaxonNotFound)

	_, err = c.TaxonDetails(context.Background(), 5, "en")
	assert.ErrorIs(t, err, quizerr.ErrTaxonNotFound)
}

func TestSpeciesInGroup_DistinctAndExcluded(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("taxon_id"))
		assert.Equal(t, "10,11", r.URL.Query().Get("without_taxon_id"))
		fmt.Fprint(w, `{"results":[
			{"id":1,"photos":[{"id":1,"url":"u1"}],"taxon":{"id":20}},
			{"id":2,"photos":[{"id":2,"url":"u2"}],"taxon":{"id":20}},
			{"id":3,"photos":[{"id":3,"url":"u3"}],"taxon":{"id":10}},
			{"id":4,"photos":[],"taxon":{"id":21}},
			{"id":5,"photos":[{"id":5,"url":"u5"}],"taxon":{"id":22}},
			{"id":6,"photos":[{"id":6,"url":"u6"}],"taxon":{"id":23}}
		]}`)
	}))

	out, err := c.SpeciesInGroup(context.Background(), 3, []int64{10, 11}, 2)
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, int64(20), out[0].Taxon.ID)
	assert.Equal(t, int64(22), out[1].Taxon.ID)
}
