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

import (
	"strings"
)

// Ranks used by taxonomic ascension, broadest first.
var AscensionRanks = []string{"kingdom", "phylum", "class", "order", "family", "genus", "species"}

// Ancestor is one entry of a taxon's lineage.
type Ancestor struct {
	ID                  int64  `json:"id"`
	Name                string `json:"name"`
	Rank                string `json:"rank"`
	PreferredCommonName string `json:"preferred_common_name,omitempty"`
}

// Label returns the common name when known, else the scientific name.
func (a Ancestor) Label() string {
	if a.PreferredCommonName != "" {
		return a.PreferredCommonName
	}
	return a.Name
}

// TaxonSnapshot is the taxon embedded in an observation.
type TaxonSnapshot struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	PreferredCommonName string     `json:"preferred_common_name,omitempty"`
	Rank                string     `json:"rank"`
	AncestorIDs         []int64    `json:"ancestor_ids"`
	Ancestors           []Ancestor `json:"ancestors,omitempty"`
	IconicTaxonID       int64      `json:"iconic_taxon_id,omitempty"`
	IconicTaxonName     string     `json:"iconic_taxon_name,omitempty"`
}

// Label returns the common name when known, else the scientific name.
func (t TaxonSnapshot) Label() string {
	if t.PreferredCommonName != "" {
		return t.PreferredCommonName
	}
	return t.Name
}

// AncestorAtRank returns the lineage entry with the given rank. The taxon
// itself counts when its own rank matches.
func (t TaxonSnapshot) AncestorAtRank(rank string) (Ancestor, bool) {
	if t.Rank == rank {
		return Ancestor{ID: t.ID, Name: t.Name, Rank: t.Rank, PreferredCommonName: t.PreferredCommonName}, true
	}
	for _, a := range t.Ancestors {
		if a.Rank == rank {
			return a, true
		}
	}
	return Ancestor{}, false
}

// Photo is a displayable observation photo.
type Photo struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	Attribution string `json:"attribution,omitempty"`
	LicenseCode string `json:"license_code,omitempty"`
}

// MediumURL returns the medium-size variant of a square thumbnail URL.
func (p Photo) MediumURL() string {
	return strings.Replace(p.URL, "/square.", "/medium.", 1)
}

// Sound is an observation audio recording.
type Sound struct {
	ID          int64  `json:"id"`
	FileURL     string `json:"file_url"`
	Attribution string `json:"attribution,omitempty"`
}

// Observation is an immutable snapshot of one upstream record. It is owned
// by the pool that fetched it and never mutated after construction.
type Observation struct {
	ID            int64         `json:"id"`
	URI           string        `json:"uri"`
	Photos        []Photo       `json:"photos"`
	Sounds        []Sound       `json:"sounds,omitempty"`
	ObservedMonth int           `json:"observed_month,omitempty"`
	ObservedDay   int           `json:"observed_day,omitempty"`
	PlaceGuess    string        `json:"place_guess,omitempty"`
	Taxon         TaxonSnapshot `json:"taxon"`
}

// HasPhoto reports whether the observation carries a displayable photo.
func (o *Observation) HasPhoto() bool {
	for _, p := range o.Photos {
		if p.URL != "" {
			return true
		}
	}
	return false
}

// TaxonDetails is the species detail record served to clients.
type TaxonDetails struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	PreferredCommonName string     `json:"preferred_common_name,omitempty"`
	Rank                string     `json:"rank"`
	WikipediaURL        string     `json:"wikipedia_url,omitempty"`
	WikipediaSummary    string     `json:"wikipedia_summary,omitempty"`
	DefaultPhotoURL     string     `json:"default_photo_url,omitempty"`
	ObservationsCount   int        `json:"observations_count"`
	IconicTaxonID       int64      `json:"iconic_taxon_id,omitempty"`
	Ancestors           []Ancestor `json:"ancestors,omitempty"`
	Locale              string     `json:"locale"`
}

// MergeDefaults fills empty fields of d from fallback, typically the
// default-locale record for the same taxon.
func (d *TaxonDetails) MergeDefaults(fallback *TaxonDetails) {
	if fallback == nil {
		return
	}
	if d.Name == "" {
		d.Name = fallback.Name
	}
	if d.PreferredCommonName == "" {
		d.PreferredCommonName = fallback.PreferredCommonName
	}
	if d.Rank == "" {
		d.Rank = fallback.Rank
	}
	if d.WikipediaURL == "" {
		d.WikipediaURL = fallback.WikipediaURL
	}
	if d.WikipediaSummary == "" {
		d.WikipediaSummary = fallback.WikipediaSummary
	}
	if d.DefaultPhotoURL == "" {
		d.DefaultPhotoURL = fallback.DefaultPhotoURL
	}
	if d.ObservationsCount == 0 {
		d.ObservationsCount = fallback.ObservationsCount
	}
	if d.IconicTaxonID == 0 {
		d.IconicTaxonID = fallback.IconicTaxonID
	}
	if len(d.Ancestors) == 0 {
		d.Ancestors = fallback.Ancestors
	}
}
