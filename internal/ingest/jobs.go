package ingest

import (
	"sync-control-plane/internal/admin"
	"sync-control-plane/internal/config"
)

// Jobs returns the sync jobs of the default catalog keyed by job type.
func Jobs(cfg config.Config) map[string]Job {
	jobs := []Job{
		{Name: admin.JobWikidataArtists, Source: WikidataArtists(), Strategy: Watermark{MaxPages: 50}},
		{Name: admin.JobWikidataGenres, Source: WikidataGenres(), Strategy: Timestamp{MaxPages: 50}},
		{Name: admin.JobMusicBrainzReleases, Source: MusicBrainzReleases{}, Strategy: RotatingOffset{PagesPerRun: 5}},
	}
	out := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		j.PageSize = cfg.PageSize(j.Name)
		out[j.Name] = j
	}
	return out
}
