// Package catalog turns package releases into search documents.
package catalog

import (
	"context"
	"iter"
	"regexp"
	"strings"
	"time"
)

// Document is the search record for one project, built from its representative release.
type Document struct {
	Name             string    `json:"name"`
	NormalizedName   string    `json:"normalized_name"`
	Version          string    `json:"version"`
	Author           string    `json:"author,omitempty"`
	AuthorEmail      string    `json:"author_email,omitempty"`
	Maintainer       string    `json:"maintainer,omitempty"`
	MaintainerEmail  string    `json:"maintainer_email,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	Keywords         string    `json:"keywords,omitempty"`
	Platform         string    `json:"platform,omitempty"`
	Classifiers      []string  `json:"classifiers"`
	HomePage         string    `json:"home_page,omitempty"`
	DownloadURL      string    `json:"download_url,omitempty"`
	Created          time.Time `json:"created"`
	CreatedTimestamp int64     `json:"created_timestamp"`
	Description      string    `json:"description,omitempty"`
}

// ID is the primary key of the document in every index generation.
func (d Document) ID() string {
	return d.NormalizedName
}

// Source yields one Document per project. An empty project scans the whole catalog.
// The sequence is single pass; a retry must call Stream again.
type Source interface {
	Stream(ctx context.Context, project string) iter.Seq2[Document, error]
}

var separatorRun = regexp.MustCompile(`[-_.]+`)

// Normalize returns the canonical form of a project name.
func Normalize(name string) string {
	return strings.ToLower(separatorRun.ReplaceAllString(strings.TrimSpace(name), "-"))
}

func newDocument(r Release) Document {
	classifiers := r.Classifiers
	if classifiers == nil {
		classifiers = []string{}
	}
	normalized := r.NormalizedName
	if normalized == "" {
		normalized = Normalize(r.Project)
	}
	created := r.Created.UTC()
	return Document{
		Name:             r.Project,
		NormalizedName:   normalized,
		Version:          r.Version,
		Author:           r.Author,
		AuthorEmail:      r.AuthorEmail,
		Maintainer:       r.Maintainer,
		MaintainerEmail:  r.MaintainerEmail,
		Summary:          r.Summary,
		Keywords:         r.Keywords,
		Platform:         r.Platform,
		Classifiers:      classifiers,
		HomePage:         r.HomePage,
		DownloadURL:      r.DownloadURL,
		Created:          created,
		CreatedTimestamp: created.Unix(),
		Description:      r.Description,
	}
}
