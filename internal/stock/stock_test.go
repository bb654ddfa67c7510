package stock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testTypes = `
- name: Cola Can
  query: a can
  color: azure
  categories: [soda, aluminium]
- name: Water Bottle
  query: a bottle
  color: fuchsia
  categories: [water, plastic]
- name: Juice Box
  query: a juice box
  color: tomato
  categories: [juice]
`

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Parse([]byte(testTypes))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stock_types.yaml")
	if err := os.WriteFile(path, []byte(testTypes), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer c.Close()

	if len(c.Types()) != 3 {
		t.Errorf("got %d types, want 3", len(c.Types()))
	}
	items := c.QueryItems()
	if items[0].Label != "a can" || items[0].Color != "azure" {
		t.Errorf("first query item = %+v", items[0])
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing query":   "- name: X\n",
		"duplicate query": "- {name: A, query: q}\n- {name: B, query: q}\n",
		"not a list":      "name: X\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSummarize(t *testing.T) {
	c := newTestCatalog(t)

	s := c.Summarize(map[string]int{"a can": 3, "a bottle": 1, "a mug": 2})
	if s.Total != 6 {
		t.Errorf("Total = %d, want 6", s.Total)
	}
	if len(s.Rows) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(s.Rows), s.Rows)
	}
	if s.Rows[0].Title != "Cola Can" || s.Rows[0].Amount != 3 {
		t.Errorf("first row = %+v", s.Rows[0])
	}
	if strings.Join(s.Categories, ",") != "aluminium,plastic,soda,water" {
		t.Errorf("Categories = %v", s.Categories)
	}
}

func TestSearch(t *testing.T) {
	c := newTestCatalog(t)
	counts := map[string]int{"a can": 3, "a bottle": 1, "a juice box": 2}

	tests := []struct {
		q    string
		want []string
	}{
		{"", []string{"Cola Can", "Juice Box", "Water Bottle"}},
		{"bot", []string{"Water Bottle"}},
		{"Cola", []string{"Cola Can"}},
		{"juice", []string{"Juice Box"}},
		{"soda", []string{"Cola Can"}},
		{"zzz", nil},
	}
	for _, tt := range tests {
		t.Run(tt.q, func(t *testing.T) {
			s, err := c.Search(tt.q, counts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			var got []string
			for _, r := range s.Rows {
				got = append(got, r.Title)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Search(%q) = %v, want %v", tt.q, got, tt.want)
			}
			if len(s.Categories) != 5 {
				t.Errorf("categories should cover all rows, got %v", s.Categories)
			}
		})
	}
}
