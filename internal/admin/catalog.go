// Package admin is the operator's view of the job catalog: live status, dispatch and cancel.
package admin

// Definition is one entry of the static job catalog.
type Definition struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Description string `json:"description"`
	JobType     string `json:"job_type"`
	Queue       string `json:"queue"`
	Category    string `json:"category"`
	Schedule    string `json:"schedule,omitempty"`
}

// Job types known to the worker.
const (
	JobWikidataArtists     = "sync:wikidata-artists"
	JobWikidataGenres      = "sync:wikidata-genres"
	JobMusicBrainzReleases = "sync:musicbrainz-releases"
	JobPruneHeartbeats     = "maintenance:prune-heartbeats"
)

// DefaultCatalog lists the jobs this deployment runs, in declaration order.
func DefaultCatalog() []Definition {
	return []Definition{
		{
			Key:         "wikidata-artists",
			Label:       "Wikidata artists",
			Description: "Imports artists with a QID above the last synced one.",
			JobType:     JobWikidataArtists,
			Queue:       "sync",
			Category:    "Wikidata",
			Schedule:    "0 */6 * * *",
		},
		{
			Key:         "wikidata-genres",
			Label:       "Wikidata genres",
			Description: "Refreshes genres modified since the last successful run.",
			JobType:     JobWikidataGenres,
			Queue:       "sync",
			Category:    "Wikidata",
			Schedule:    "30 3 * * *",
		},
		{
			Key:         "musicbrainz-releases",
			Label:       "MusicBrainz releases",
			Description: "Walks the release catalogue a few pages per run, wrapping around at the end.",
			JobType:     JobMusicBrainzReleases,
			Queue:       "sync",
			Category:    "MusicBrainz",
			Schedule:    "*/15 * * * *",
		},
		{
			Key:         "prune-heartbeats",
			Label:       "Prune heartbeats",
			Description: "Deletes heartbeat events older than two weeks.",
			JobType:     JobPruneHeartbeats,
			Queue:       "default",
			Category:    "Maintenance",
			Schedule:    "15 4 * * *",
		},
	}
}

// Catalog indexes definitions by key.
type Catalog struct {
	defs  []Definition
	byKey map[string]Definition
}

func NewCatalog(defs []Definition) *Catalog {
	c := &Catalog{defs: defs, byKey: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		c.byKey[d.Key] = d
	}
	return c
}

func (c *Catalog) Lookup(key string) (Definition, bool) {
	d, ok := c.byKey[key]
	return d, ok
}

// All returns the definitions in declaration order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}
