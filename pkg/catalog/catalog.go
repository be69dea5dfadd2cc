// Package catalog is the read-only SKU lookup table that maps upstream
// product ids to internal product names, weights and box compositions.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/schollz/closestmatch"
)

// ErrDuplicateID is returned when two items claim the same upstream id.
var ErrDuplicateID = errors.New("catalog: upstream id mapped twice")

// Kind distinguishes one-off products from subscription boxes.
type Kind string

const (
	KindProduct      Kind = "product"
	KindSubscription Kind = "subscription"
)

// Item is one catalog entry.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Item struct {
	Name        string   `json:"name"`
	SKU         string   `json:"sku,omitempty"`
	Kind        Kind     `json:"type"`
	GuruIDs     []string `json:"guru_ids,omitempty"`
	Recurrence  string   `json:"recurrence,omitempty"`
	Periodicity string   `json:"periodicity,omitempty"`
	Weight      float64  `json:"weight,omitempty"`
	ComposedOf  []string `json:"composed_of,omitempty"`
}

// Code is the SKU, falling back to the item name.
func (i Item) Code() string {
	if i.SKU != "" {
		return i.SKU
	}
	return i.Name
}

// Catalog indexes items by upstream id and by normalized name.
type Catalog struct {
	byName  map[string]Item
	byGuru  map[string]Item
	keys    []string
	matcher *closestmatch.ClosestMatch
}

// New builds a catalog from items.
func New(items ...Item) (*Catalog, error) {
	c := &Catalog{
		byName: make(map[string]Item, len(items)),
		byGuru: make(map[string]Item),
	}
	for _, it := range items {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			return nil, fmt.Errorf("catalog: item without name")
		}
		key := contracts.NormalizeKey(it.Name)
		c.byName[key] = it
		for _, id := range it.GuruIDs {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if prev, ok := c.byGuru[id]; ok && prev.Name != it.Name {
				return nil, fmt.Errorf("%w: %s (%s, %s)", ErrDuplicateID, id, prev.Name, it.Name)
			}
			c.byGuru[id] = it
		}
	}
	c.keys = make([]string, 0, len(c.byName))
	for k := range c.byName {
		c.keys = append(c.keys, k)
	}
	sort.Strings(c.keys)
	if len(c.keys) > 0 {
		c.matcher = closestmatch.New(c.keys, []int{2, 3, 4})
	}
	return c, nil
}

// LoadFile reads a catalog JSON file.
func LoadFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a JSON object keyed by internal product name. Portuguese field
// names used by the mapping tool are accepted.
func Load(r io.Reader) (*Catalog, error) {
	var doc map[string]rawItem
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	names := make([]string, 0, len(doc))
	for name := range doc {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]Item, 0, len(doc))
	for _, name := range names {
		it := Item(doc[name])
		it.Name = name
		items = append(items, it)
	}
	return New(items...)
}

// ByGuruID returns the item mapped to an upstream product id.
func (c *Catalog) ByGuruID(id string) (Item, bool) {
	it, ok := c.byGuru[strings.TrimSpace(id)]
	return it, ok
}

// ByName looks an item up by name, ignoring case and accents.
func (c *Catalog) ByName(name string) (Item, bool) {
	it, ok := c.byName[contracts.NormalizeKey(name)]
	return it, ok
}

// Suggest returns the closest known item name, or "" for an empty catalog.
func (c *Catalog) Suggest(name string) string {
	if c.matcher == nil {
		return ""
	}
	key := c.matcher.Closest(contracts.NormalizeKey(name))
	if it, ok := c.byName[key]; ok {
		return it.Name
	}
	return ""
}

// Items returns every item sorted by name.
func (c *Catalog) Items() []Item {
	out := make([]Item, 0, len(c.keys))
	for _, k := range c.keys {
		out = append(out, c.byName[k])
	}
	return out
}

// Len returns the number of items.
func (c *Catalog) Len() int { return len(c.byName) }

type rawItem Item

func (ri *rawItem) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	var kind string
	if err := pick(m, &kind, "type", "tipo"); err != nil {
		return err
	}
	switch contracts.NormalizeKey(kind) {
	case "subscription", "assinatura":
		ri.Kind = KindSubscription
	case "", "product", "produto":
		ri.Kind = KindProduct
	default:
		return fmt.Errorf("unknown item type %q", kind)
	}

	if err := pick(m, &ri.SKU, "sku", "codigo"); err != nil {
		return err
	}
	if err := pick(m, &ri.GuruIDs, "guru_ids", "ids_guru"); err != nil {
		return err
	}
	if err := pick(m, &ri.Recurrence, "recurrence", "recorrencia"); err != nil {
		return err
	}
	if err := pick(m, &ri.Periodicity, "periodicity", "periodicidade"); err != nil {
		return err
	}
	if err := pick(m, &ri.ComposedOf, "composed_of", "composto_de"); err != nil {
		return err
	}

	var weight json.RawMessage
	if err := pick(m, &weight, "weight", "peso"); err != nil {
		return err
	}
	w, err := parseWeight(weight)
	if err != nil {
		return err
	}
	ri.Weight = w
	return nil
}

func pick(m map[string]json.RawMessage, dst any, keys ...string) error {
	for _, k := range keys {
		if v, ok := m[k]; ok && string(v) != "null" {
			if err := json.Unmarshal(v, dst); err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			return nil
		}
	}
	return nil
}

func parseWeight(v json.RawMessage) (float64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("field weight: %w", err)
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field weight: %w", err)
	}
	return f, nil
}
