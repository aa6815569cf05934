package embedded

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/single"
	"github.com/blevesearch/bleve/v2/mapping"

	"catalogsearch/indexer/internal/search"
)

const nameAnalyzer = "name_analyzer"

// analyzers maps the analyzer names of a search.Definition onto bleve analyzers.
var analyzers = map[string]string{
	"name_analyzer":  nameAnalyzer,
	"text_analyzer":  en.AnalyzerName,
	"email_analyzer": standard.Name,
}

// indexMapping translates the mapping section of a definition into a bleve mapping.
// Fields the definition does not mention are indexed dynamically.
func indexMapping(def search.Definition) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(nameAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     single.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}

	doc := bleve.NewDocumentMapping()
	props, _ := def.Mappings["properties"].(map[string]any)
	for field, raw := range props {
		spec, _ := raw.(map[string]any)
		if fm := fieldMapping(spec); fm != nil {
			doc.AddFieldMappingsAt(field, fm)
		}
	}
	im.DefaultMapping = doc
	return im, nil
}

func fieldMapping(spec map[string]any) *mapping.FieldMapping {
	switch spec["type"] {
	case "keyword":
		return bleve.NewKeywordFieldMapping()
	case "date":
		return bleve.NewDateTimeFieldMapping()
	case "long", "integer":
		return bleve.NewNumericFieldMapping()
	case "text":
		fm := bleve.NewTextFieldMapping()
		if name, ok := spec["analyzer"].(string); ok {
			if analyzer, known := analyzers[name]; known {
				fm.Analyzer = analyzer
			}
		}
		return fm
	default:
		return nil
	}
}
