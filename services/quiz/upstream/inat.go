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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/AleutianAI/TaxaQuiz/services/quiz/datatypes"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/quizerr"
)

// =============================================================================
// Wire types
// =============================================================================

type wireTaxon struct {
	ID                  int64          `json:"id"`
	Name                string         `json:"name"`
	PreferredCommonName string         `json:"preferred_common_name"`
	Rank                string         `json:"rank"`
	AncestorIDs         []int64        `json:"ancestor_ids"`
	Ancestors           []wireAncestor `json:"ancestors"`
	IconicTaxonID       int64          `json:"iconic_taxon_id"`
	IconicTaxonName     string         `json:"iconic_taxon_name"`
	WikipediaURL        string         `json:"wikipedia_url"`
	WikipediaSummary    string         `json:"wikipedia_summary"`
	ObservationsCount   int            `json:"observations_count"`
	DefaultPhoto        *struct {
		MediumURL string `json:"medium_url"`
		URL       string `json:"url"`
	} `json:"default_photo"`
}

type wireAncestor struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Rank                string `json:"rank"`
	PreferredCommonName string `json:"preferred_common_name"`
}

type wireObservation struct {
	ID     int64  `json:"id"`
	URI    string `json:"uri"`
	Photos []struct {
		ID          int64  `json:"id"`
		URL         string `json:"url"`
		Attribution string `json:"attribution"`
		LicenseCode string `json:"license_code"`
	} `json:"photos"`
	Sounds []struct {
		ID          int64  `json:"id"`
		FileURL     string `json:"file_url"`
		Attribution string `json:"attribution"`
	} `json:"sounds"`
	ObservedOnDetails *struct {
		Month int `json:"month"`
		Day   int `json:"day"`
	} `json:"observed_on_details"`
	PlaceGuess string     `json:"place_guess"`
	Taxon      *wireTaxon `json:"taxon"`
}

type observationsResponse struct {
	TotalResults int               `json:"total_results"`
	Page         int               `json:"page"`
	PerPage      int               `json:"per_page"`
	Results      []wireObservation `json:"results"`
}

type taxaResponse struct {
	TotalResults int         `json:"total_results"`
	Results      []wireTaxon `json:"results"`
}

type similarSpeciesResponse struct {
	Results []struct {
		Count int        `json:"count"`
		Taxon *wireTaxon `json:"taxon"`
	} `json:"results"`
}

func (t *wireTaxon) snapshot() datatypes.TaxonSnapshot {
	s := datatypes.TaxonSnapshot{
		ID:                  t.ID,
		Name:                t.Name,
		PreferredCommonName: t.PreferredCommonName,
		Rank:                t.Rank,
		AncestorIDs:         t.AncestorIDs,
		IconicTaxonID:       t.IconicTaxonID,
		IconicTaxonName:     t.IconicTaxonName,
	}
	for _, a := range t.Ancestors {
		s.Ancestors = append(s.Ancestors, datatypes.Ancestor(a))
	}
	return s
}

func (w *wireObservation) toObservation() *datatypes.Observation {
	if w.Taxon == nil {
		return nil
	}
	o := &datatypes.Observation{
		ID:         w.ID,
		URI:        w.URI,
		PlaceGuess: w.PlaceGuess,
		Taxon:      w.Taxon.snapshot(),
	}
	for _, p := range w.Photos {
		o.Photos = append(o.Photos, datatypes.Photo(p))
	}
	for _, s := range w.Sounds {
		o.Sounds = append(o.Sounds, datatypes.Sound(s))
	}
	if w.ObservedOnDetails != nil {
		o.ObservedMonth = w.ObservedOnDetails.Month
		o.ObservedDay = w.ObservedOnDetails.Day
	}
	return o
}

// =============================================================================
// Typed calls
// =============================================================================

// ObservationQuery selects observations for a pool page.
type ObservationQuery struct {
	TaxonIDs []int64
	PlaceID  int64
	Locale   string
	Page     int
	PerPage  int
}

func (q ObservationQuery) params() url.Values {
	v := url.Values{}
	v.Set("photos", "true")
	v.Set("quality_grade", "research")
	v.Set("rank", "species")
	v.Set("order_by", "votes")
	if len(q.TaxonIDs) > 0 {
		v.Set("taxon_id", joinIDs(q.TaxonIDs))
	}
	if q.PlaceID > 0 {
		v.Set("place_id", strconv.FormatInt(q.PlaceID, 10))
	}
	if q.Locale != "" {
		v.Set("locale", q.Locale)
	}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PerPage > 0 {
		v.Set("per_page", strconv.Itoa(q.PerPage))
	}
	return v
}

// ObservationPage is one page of search results.
type ObservationPage struct {
	TotalResults int
	Page         int
	PerPage      int
	Observations []*datatypes.Observation
}

// SearchObservations fetches one page of observations.
func (c *Client) SearchObservations(ctx context.Context, q ObservationQuery) (*ObservationPage, error) {
	var resp observationsResponse
	if err := c.FetchJSON(ctx, "/observations", q.params(), &resp); err != nil {
		return nil, err
	}
	page := &ObservationPage{
		TotalResults: resp.TotalResults,
		Page:         resp.Page,
		PerPage:      resp.PerPage,
		Observations: make([]*datatypes.Observation, 0, len(resp.Results)),
	}
	for i := range resp.Results {
		if o := resp.Results[i].toObservation(); o != nil {
			page.Observations = append(page.Observations, o)
		}
	}
	return page, nil
}

// SimilarSpecies returns the ids of species commonly misidentified as
// taxonID, most confused first.
func (c *Client) SimilarSpecies(ctx context.Context, taxonID int64) ([]int64, error) {
	params := url.Values{}
	params.Set("taxon_id", strconv.FormatInt(taxonID, 10))

	var resp similarSpeciesResponse
	if err := c.FetchJSON(ctx, "/identifications/similar_species", params, &resp); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Taxon != nil && r.Taxon.ID != taxonID {
			ids = append(ids, r.Taxon.ID)
		}
	}
	return ids, nil
}

// TaxonDetails returns the detail record of taxonID in locale.
//
// When locale differs from the default locale, the default-locale record is
// also fetched and used to fill fields the localized record lacks, such as
// the encyclopedia link or summary. A failed default-locale fetch is logged
// and the localized record returned as is.
func (c *Client) TaxonDetails(ctx context.Context, taxonID int64, locale string) (*datatypes.TaxonDetails, error) {
	if locale == "" {
		locale = c.config.DefaultLocale
	}
	details, err := c.fetchTaxon(ctx, taxonID, locale)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(locale, c.config.DefaultLocale) {
		return details, nil
	}
	if details.WikipediaURL != "" && details.WikipediaSummary != "" && details.PreferredCommonName != "" {
		return details, nil
	}

	fallback, err := c.fetchTaxon(ctx, taxonID, c.config.DefaultLocale)
	if err != nil {
		c.logger.Warn("default-locale taxon fetch failed",
			slog.Int64("taxon_id", taxonID),
			slog.String("error", err.Error()),
		)
		return details, nil
	}
	details.MergeDefaults(fallback)
	return details, nil
}

func (c *Client) fetchTaxon(ctx context.Context, taxonID int64, locale string) (*datatypes.TaxonDetails, error) {
	params := url.Values{}
	params.Set("locale", locale)

	var resp taxaResponse
	err := c.FetchJSON(ctx, "/taxa/"+strconv.FormatInt(taxonID, 10), params, &resp)
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("taxon %d: %w", taxonID, quizerr.ErrTaxonNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("taxon %d: %w", taxonID, quizerr.ErrTaxonNotFound)
	}

	t := resp.Results[0]
	d := &datatypes.TaxonDetails{
		ID:                  t.ID,
		Name:                t.Name,
		PreferredCommonName: t.PreferredCommonName,
		Rank:                t.Rank,
		WikipediaURL:        t.WikipediaURL,
		WikipediaSummary:    t.WikipediaSummary,
		ObservationsCount:   t.ObservationsCount,
		IconicTaxonID:       t.IconicTaxonID,
		Locale:              locale,
	}
	if t.DefaultPhoto != nil {
		d.DefaultPhotoURL = t.DefaultPhoto.MediumURL
		if d.DefaultPhotoURL == "" {
			d.DefaultPhotoURL = t.DefaultPhoto.URL
		}
	}
	for _, a := range t.Ancestors {
		d.Ancestors = append(d.Ancestors, datatypes.Ancestor(a))
	}
	return d, nil
}

// SpeciesInGroup returns at most limit observations of distinct species
// within the coarse group groupID, skipping excluded taxa. Used to enrich
// sparse confusion candidates.
func (c *Client) SpeciesInGroup(ctx context.Context, groupID int64, exclude []int64, limit int) ([]*datatypes.Observation, error) {
	params := ObservationQuery{TaxonIDs: []int64{groupID}, PerPage: min(max(limit*4, 20), 200)}.params()
	if len(exclude) > 0 {
		params.Set("without_taxon_id", joinIDs(exclude))
	}

	var resp observationsResponse
	if err := c.FetchJSON(ctx, "/observations", params, &resp); err != nil {
		return nil, err
	}

	skip := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	var out []*datatypes.Observation
	for i := range resp.Results {
		o := resp.Results[i].toObservation()
		if o == nil || !o.HasPhoto() {
			continue
		}
		if _, dup := skip[o.Taxon.ID]; dup {
			continue
		}
		skip[o.Taxon.ID] = struct{}{}
		out = append(out, o)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
