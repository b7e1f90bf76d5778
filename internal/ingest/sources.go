package ingest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sync-control-plane/internal/provider"
)

const wikidataEntityPrefix = "http://www.wikidata.org/entity/"

// SPARQLSource pages through a Wikidata SPARQL query. Query renders the query text
// for a position; results must bind ?item and may bind ?modified.
type SPARQLSource struct {
	Name  string
	Query func(pos Position, limit int) string
}

func (s SPARQLSource) Provider() string { return s.Name }

func (s SPARQLSource) PageRequest(pos Position, pageSize int) provider.Request {
	return provider.SPARQL(s.Query(pos, pageSize))
}

type sparqlResults struct {
	Results struct {
		Bindings []map[string]struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func (s SPARQLSource) ParsePage(body []byte) (Page, error) {
	var res sparqlResults
	if err := json.Unmarshal(body, &res); err != nil {
		return Page{}, fmt.Errorf("decode sparql results: %w", err)
	}
	page := Page{Items: make([]Item, 0, len(res.Results.Bindings))}
	for _, b := range res.Results.Bindings {
		flat := make(map[string]string, len(b))
		for k, v := range b {
			flat[k] = v.Value
		}
		it := Item{Key: strings.TrimPrefix(flat["item"], wikidataEntityPrefix)}
		if n, err := strconv.ParseInt(strings.TrimPrefix(it.Key, "Q"), 10, 64); err == nil {
			it.Seq = n
		}
		if m, ok := flat["modified"]; ok {
			ts, err := time.Parse(time.RFC3339, m)
			if err != nil {
				return Page{}, fmt.Errorf("item %s: bad modified %q: %w", it.Key, m, err)
			}
			it.ModifiedAt = ts.UTC()
		}
		data, err := json.Marshal(flat)
		if err != nil {
			return Page{}, err
		}
		it.Data = data
		page.Items = append(page.Items, it)
	}
	return page, nil
}

// WikidataArtists lists musical artists by ascending numeric QID.
func WikidataArtists() SPARQLSource {
	return SPARQLSource{Name: "wikidata", Query: func(pos Position, limit int) string {
		return fmt.Sprintf(`SELECT ?item ?itemLabel WHERE {
  ?item wdt:P106/wdt:P279* wd:Q639669 .
  BIND(xsd:integer(STRAFTER(STR(?item), "%sQ")) AS ?num)
  FILTER(?num > %d)
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
ORDER BY ?num
LIMIT %d`, wikidataEntityPrefix, pos.After, limit)
	}}
}

// WikidataGenres lists music genres modified after the position, oldest change first.
func WikidataGenres() SPARQLSource {
	return SPARQLSource{Name: "wikidata", Query: func(pos Position, limit int) string {
		since := pos.Since.UTC().Format(time.RFC3339)
		return fmt.Sprintf(`SELECT ?item ?itemLabel ?modified WHERE {
  ?item wdt:P31 wd:Q188451 ;
        schema:dateModified ?modified .
  FILTER(?modified > "%[1]s"^^xsd:dateTime ||
         (?modified = "%[1]s"^^xsd:dateTime && STR(?item) > "%[2]s%[3]s"))
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}
ORDER BY ?modified ?item
LIMIT %[4]d`, since, wikidataEntityPrefix, pos.AfterKey, limit)
	}}
}

// MusicBrainzReleases pages the release search by offset.
type MusicBrainzReleases struct {
	Query string
}

func (MusicBrainzReleases) Provider() string { return "musicbrainz" }

func (m MusicBrainzReleases) PageRequest(pos Position, pageSize int) provider.Request {
	q := m.Query
	if q == "" {
		q = "status:official"
	}
	return provider.JSON("/release", url.Values{
		"query":  {q},
		"limit":  {strconv.Itoa(pageSize)},
		"offset": {strconv.Itoa(pos.Offset)},
	})
}

func (MusicBrainzReleases) ParsePage(body []byte) (Page, error) {
	var res struct {
		Count    int               `json:"count"`
		Releases []json.RawMessage `json:"releases"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return Page{}, fmt.Errorf("decode releases: %w", err)
	}
	page := Page{Total: res.Count, Items: make([]Item, 0, len(res.Releases))}
	for _, raw := range res.Releases {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return Page{}, fmt.Errorf("decode release: %w", err)
		}
		page.Items = append(page.Items, Item{Key: head.ID, Data: raw})
	}
	return page, nil
}
