// Package stock maps detected object labels to the stock types an operator
// tracks, and summarises the latest capture as stock counts.
package stock

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/drinkwatch/internal/processor"
)

// Type is one tracked kind of stock. Query is the phrase the detector is
// asked to find ("a can"); detections come back labelled with it.
type Type struct {
	Name       string   `yaml:"name" json:"name"`
	Query      string   `yaml:"query" json:"query"`
	Color      string   `yaml:"color" json:"color"`
	Categories []string `yaml:"categories" json:"categories"`
}

// Row is one line of the stock view.
type Row struct {
	Title      string   `json:"title"`
	Amount     int      `json:"amount"`
	Categories []string `json:"categories"`
}

// Summary is the stock view of one capture.
type Summary struct {
	Total      int      `json:"total"`
	Rows       []Row    `json:"data"`
	Categories []string `json:"categories"`
}

// Catalog is the loaded set of stock types with a search index over them.
type Catalog struct {
	types   []Type
	byQuery map[string]Type
	index   *index
}

// Load reads a YAML list of stock types from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stock types file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML list of stock types.
func Parse(data []byte) (*Catalog, error) {
	var types []Type
	if err := yaml.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("parsing stock types: %w", err)
	}

	c := &Catalog{byQuery: make(map[string]Type, len(types))}
	for i, t := range types {
		if t.Name == "" || t.Query == "" {
			return nil, fmt.Errorf("stock type %d: name and query are required", i)
		}
		if _, dup := c.byQuery[t.Query]; dup {
			return nil, fmt.Errorf("stock type %q: duplicate query %q", t.Name, t.Query)
		}
		c.byQuery[t.Query] = t
		c.types = append(c.types, t)
	}

	idx, err := newIndex(c.types)
	if err != nil {
		return nil, err
	}
	c.index = idx
	return c, nil
}

func (c *Catalog) Types() []Type {
	return slices.Clone(c.types)
}

// Close releases the search index.
func (c *Catalog) Close() error {
	return c.index.close()
}

// QueryItems returns the detector query for every stock type.
func (c *Catalog) QueryItems() []processor.QueryItem {
	items := make([]processor.QueryItem, len(c.types))
	for i, t := range c.types {
		items[i] = processor.QueryItem{Label: t.Query, Color: t.Color}
	}
	return items
}

// Summarize turns per-label detection counts into stock rows. Labels that
// match no stock type count towards Total but get no row.
func (c *Catalog) Summarize(counts map[string]int) Summary {
	s := Summary{Rows: []Row{}}
	for label, n := range counts {
		s.Total += n
		t, ok := c.byQuery[label]
		if !ok {
			continue
		}
		s.Rows = append(s.Rows, Row{Title: t.Name, Amount: n, Categories: t.Categories})
	}
	slices.SortFunc(s.Rows, func(a, b Row) int { return strings.Compare(a.Title, b.Title) })
	s.Categories = categories(s.Rows)
	return s
}

// Search filters the summary for counts to stock types matching q. The
// category list always covers every row, matching or not, so filters in
// the UI stay stable while typing.
func (c *Catalog) Search(q string, counts map[string]int) (Summary, error) {
	s := c.Summarize(counts)
	q = strings.TrimSpace(q)
	if q == "" {
		return s, nil
	}

	matches, err := c.index.search(q)
	if err != nil {
		return Summary{}, err
	}
	s.Rows = slices.DeleteFunc(s.Rows, func(r Row) bool { return !matches[r.Title] })
	return s, nil
}

func categories(rows []Row) []string {
	out := []string{}
	for _, r := range rows {
		for _, cat := range r.Categories {
			if !slices.Contains(out, cat) {
				out = append(out, cat)
			}
		}
	}
	slices.Sort(out)
	return out
}
