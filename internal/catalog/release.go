package catalog

import "time"

// Release is a catalog row before representative selection.
type Release struct {
	Project         string
	NormalizedName  string
	Version         string
	Author          string
	AuthorEmail     string
	Maintainer      string
	MaintainerEmail string
	Summary         string
	Keywords        string
	Platform        string
	Classifiers     []string
	HomePage        string
	DownloadURL     string
	Created         time.Time
	Description     string

	// IsPrerelease is nil when the catalog never classified the version.
	IsPrerelease *bool
	// Ordering is the catalog's internal release rank; higher is newer.
	Ordering int
	Yanked   bool
	HasFiles bool
}

// Indexable reports whether the release may represent its project at all.
func (r Release) Indexable() bool {
	return !r.Yanked && r.HasFiles
}

// Better reports whether a ranks ahead of b within the same project:
// stable before prerelease before unknown, then higher Ordering first.
// PostgresSource expresses the same order in SQL.
func Better(a, b Release) bool {
	if ra, rb := prereleaseRank(a.IsPrerelease), prereleaseRank(b.IsPrerelease); ra != rb {
		return ra < rb
	}
	return a.Ordering > b.Ordering
}

func prereleaseRank(v *bool) int {
	switch {
	case v == nil:
		return 2
	case *v:
		return 1
	default:
		return 0
	}
}
