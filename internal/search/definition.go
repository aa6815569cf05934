package search

// Definition is the engine-facing shape of an index. Mapping engines read Mappings and
// Analysis; attribute-configured engines read the attribute lists.
type Definition struct {
	Mappings map[string]any
	Analysis map[string]any

	PrimaryKey   string
	Searchable   []string
	Filterable   []string
	Sortable     []string
	Displayed    []string
	RankingRules []string
}

func text(analyzer string) map[string]any {
	return map[string]any{"type": "text", "analyzer": analyzer}
}

func keyword() map[string]any {
	return map[string]any{"type": "keyword"}
}

// ProjectDefinition is the index definition for catalog.Document.
func ProjectDefinition() Definition {
	nameField := map[string]any{"type": "text", "analyzer": "name_analyzer", "index_phrases": true}
	return Definition{
		Mappings: map[string]any{
			"dynamic": "strict",
			"properties": map[string]any{
				"name":              nameField,
				"normalized_name":   nameField,
				"version":           keyword(),
				"summary":           text("text_analyzer"),
				"description":       text("text_analyzer"),
				"author":            map[string]any{"type": "text"},
				"author_email":      text("email_analyzer"),
				"maintainer":        map[string]any{"type": "text"},
				"maintainer_email":  text("email_analyzer"),
				"home_page":         keyword(),
				"download_url":      keyword(),
				"keywords":          text("text_analyzer"),
				"platform":          keyword(),
				"created":           map[string]any{"type": "date"},
				"created_timestamp": map[string]any{"type": "long"},
				"classifiers":       keyword(),
			},
		},
		Analysis: map[string]any{
			"analyzer": map[string]any{
				"name_analyzer": map[string]any{
					"type":      "custom",
					"tokenizer": "keyword",
					"filter":    []string{"lowercase", "word_delimiter"},
				},
				"email_analyzer": map[string]any{
					"type":      "custom",
					"tokenizer": "uax_url_email",
					"filter":    []string{"lowercase", "stop", "snowball"},
				},
				"text_analyzer": map[string]any{
					"type":      "custom",
					"tokenizer": "standard",
					"filter":    []string{"lowercase", "stop", "snowball"},
				},
			},
		},

		PrimaryKey: "normalized_name",
		// Order matters: earlier attributes weigh more in relevancy.
		Searchable: []string{
			"name",
			"normalized_name",
			"keywords",
			"description",
			"summary",
			"classifiers",
			"home_page",
		},
		Filterable: []string{"classifiers"},
		Sortable:   []string{"created_timestamp"},
		Displayed:  []string{"name", "summary", "created_timestamp"},
		RankingRules: []string{
			"attribute",
			"words",
			"typo",
			"proximity",
			"sort",
			"exactness",
		},
	}
}
