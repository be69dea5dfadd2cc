package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/gowebpki/jcs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultVersion is assumed for legacy files holding a bare rule array.
const DefaultVersion = "1.0.0"

// SupportedVersions is the rule file format range this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// ErrUnsupportedVersion is returned for rule files outside SupportedVersions.
var ErrUnsupportedVersion = errors.New("unsupported rule file version")

const schemaURL = "https://guru-export.schemas.local/rules.schema.json"

const ruleFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "version": {"type": "string"},
    "rules": {"type": "array", "items": {"$ref": "#/$defs/rule"}}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["applies_to", "action"],
      "properties": {
        "id": {"type": "string"},
        "applies_to": {"enum": ["coupon", "offer", "cupom", "oferta"]},
        "coupon": {"type": "string"},
        "offer": {
          "type": "object",
          "required": ["product_id", "offer_id"],
          "properties": {
            "product_id": {"type": "string", "minLength": 1},
            "offer_id": {"type": "string", "minLength": 1},
            "display_name": {"type": "string"}
          }
        },
        "subscription_plans": {"type": "array", "items": {"type": "string"}},
        "when": {"type": "string"},
        "action": {
          "type": "object",
          "required": ["type"],
          "properties": {
            "type": {"enum": ["substitute_box", "add_gifts"]},
            "box": {"type": "string"},
            "items": {"type": "array", "items": {"type": "object"}}
          }
        }
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func fileSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(ruleFileSchema)); err != nil {
			compileErr = fmt.Errorf("rule schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("rule schema compile failed: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// File is the on-disk rule document.
type File struct {
	Version string `json:"version"`
	Rules   []Rule `json:"rules"`
}

// LoadFile reads a rule file from disk.
func LoadFile(path string) (*Ruleset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer f.Close()
	rs, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// Load parses, validates and normalizes a rule document. A bare JSON array
// is read as a version 1.0.0 document.
func Load(r io.Reader) (*Ruleset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	switch v := doc.(type) {
	case []any:
		doc = map[string]any{"version": DefaultVersion, "rules": v}
	case map[string]any:
		if _, ok := v["version"]; !ok {
			v["version"] = DefaultVersion
		}
	}

	schema, err := fileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: schema validation failed: %w", ErrInvalidRule, err)
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode rules: %w", err)
	}
	var raw rawFile
	if err := json.Unmarshal(canonical, &raw); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	version, err := checkVersion(raw.Version)
	if err != nil {
		return nil, err
	}

	rs := &Ruleset{version: version.String()}
	for i, rr := range raw.Rules {
		if _, err := rs.Add(rr.toRule()); err != nil {
			return nil, fmt.Errorf("rule #%d: %w", i+1, err)
		}
	}
	return rs, nil
}

func checkVersion(v string) (*semver.Version, error) {
	version, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(version) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, version, SupportedVersions)
	}
	return version, nil
}

// SaveFile writes rs atomically (temp file + rename in the same directory).
func SaveFile(path string, rs *Ruleset) error {
	data, err := json.MarshalIndent(rs.document(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".rules-*.json")
	if err != nil {
		return fmt.Errorf("create temp rules: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close rules: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace rules: %w", err)
	}
	return nil
}

// Digest returns the hex SHA-256 of the RFC 8785 canonical JSON of rs. Rule
// order is part of the digest.
func Digest(rs *Ruleset) (string, error) {
	data, err := json.Marshal(rs.document())
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	canonical, err := jcs.Transform(data)
	if err != nil {
		return "", fmt.Errorf("canonicalize rules: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Version returns the document version the set was loaded from.
func (rs *Ruleset) Version() string {
	if rs.version == "" {
		return DefaultVersion
	}
	return rs.version
}

func (rs *Ruleset) document() File {
	rules := rs.All()
	if rules == nil {
		rules = []Rule{}
	}
	return File{Version: rs.Version(), Rules: rules}
}

type rawFile struct {
	Version string    `json:"version"`
	Rules   []rawRule `json:"rules"`
}

type rawRule struct {
	ID                string    `json:"id"`
	AppliesTo         string    `json:"applies_to"`
	Coupon            string    `json:"coupon"`
	Offer             *Offer    `json:"offer"`
	SubscriptionPlans []string  `json:"subscription_plans"`
	When              string    `json:"when"`
	Action            rawAction `json:"action"`
}

type rawAction struct {
	Type  ActionKind `json:"type"`
	Box   string     `json:"box"`
	Items []rawGift  `json:"items"`
}

func (rr rawRule) toRule() Rule {
	target := Target(rr.AppliesTo)
	switch rr.AppliesTo {
	case "cupom":
		target = TargetCoupon
	case "oferta":
		target = TargetOffer
	}
	r := Rule{
		ID:                rr.ID,
		AppliesTo:         target,
		Coupon:            rr.Coupon,
		Offer:             rr.Offer,
		SubscriptionPlans: rr.SubscriptionPlans,
		When:              rr.When,
		Action:            Action{Kind: rr.Action.Type, Box: rr.Action.Box},
	}
	for _, g := range rr.Action.Items {
		r.Action.Gifts = append(r.Action.Gifts, Gift(g))
	}
	return r
}

// rawGift accepts the field aliases found in hand-edited rule files.
type rawGift Gift

var (
	giftNameKeys     = []string{"name", "nome", "sku"}
	giftQuantityKeys = []string{"quantity", "quantidade", "qtd"}
)

func (g *rawGift) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return err
	}

	for _, k := range giftNameKeys {
		if v, ok := m[k]; ok {
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("gift %s: %w", k, err)
			}
			if strings.TrimSpace(s) != "" {
				g.Name = s
				break
			}
		}
	}

	g.Quantity = 1
	for _, k := range giftQuantityKeys {
		v, ok := m[k]
		if !ok {
			continue
		}
		q, err := parseQuantity(v)
		if err != nil {
			return fmt.Errorf("gift %s: %w", k, err)
		}
		g.Quantity = q
		break
	}
	return nil
}

func parseQuantity(v json.RawMessage) (int, error) {
	var n float64
	if err := json.Unmarshal(v, &n); err == nil {
		return int(n), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(s))
}
