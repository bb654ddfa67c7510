package stock

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// index is an in-memory bleve index over stock type names and categories.
type index struct {
	idx bleve.Index
}

type indexedType struct {
	Name       string
	Categories []string
}

func newIndex(types []Type) (*index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create stock index: %w", err)
	}

	batch := idx.NewBatch()
	for _, t := range types {
		if err := batch.Index(t.Name, indexedType{Name: t.Name, Categories: t.Categories}); err != nil {
			return nil, fmt.Errorf("batch index %s: %w", t.Name, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, fmt.Errorf("commit stock index: %w", err)
	}
	return &index{idx: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Name", bleve.NewTextFieldMapping())
	docMapping.AddFieldMappingsAt("Categories", bleve.NewTextFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

// search returns the names of stock types with a name word containing a
// word of q, or a category matching q.
func (i *index) search(q string) (map[string]bool, error) {
	term := strings.ToLower(q)

	var clauses []query.Query
	for _, word := range strings.Fields(term) {
		wildcard := bleve.NewWildcardQuery("*" + escapeWildcard(word) + "*")
		wildcard.SetField("Name")
		clauses = append(clauses, wildcard)
	}

	category := bleve.NewMatchQuery(q)
	category.SetField("Categories")
	clauses = append(clauses, category)

	count, err := i.idx.DocCount()
	if err != nil {
		return nil, fmt.Errorf("count stock index: %w", err)
	}
	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(clauses...), int(count)+1, 0, false)
	res, err := i.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search stock: %w", err)
	}

	matches := make(map[string]bool, len(res.Hits))
	for _, hit := range res.Hits {
		matches[hit.ID] = true
	}
	return matches, nil
}

func (i *index) close() error {
	return i.idx.Close()
}

func escapeWildcard(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`).Replace(s)
}
