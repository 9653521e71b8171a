// Package pipeline loads experiment definitions written in HCL and applies
// them to an engine.
//
//	name = "iris"
//
//	block "fetch_dataset" "iris" {
//	  start = "start_fetch"
//	  params { source = "iris.csv" }
//	}
//
//	block "cross_validation" "cv" {
//	  params  { folds = 5 }
//	  inputs  { dataset = iris.dataset }
//	  collect { accuracy = rf.accuracy }
//
//	  block "classifier" "rf" {
//	    inputs { train = cv.train }
//	  }
//	}
//
// Inputs and collectors reference other blocks as alias.port. Blocks nested
// in a meta-block live in its sub-scope.
package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	experiment "github.com/goliatone/go-experiment"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Definition is a parsed experiment.
type Definition struct {
	Name   string
	File   string
	Blocks []*BlockDef
}

// BlockDef declares one block and, for meta-blocks, its nested blocks.
type BlockDef struct {
	Kind    string
	Alias   string
	Params  map[string]any
	Inputs  map[string]Ref
	Collect map[string]Ref
	Start   string
	Blocks  []*BlockDef
	Range   hcl.Range
}

// Ref points at an output port of another block by alias.
type Ref struct {
	Alias string
	Port  string
	Range hcl.Range
}

func (r Ref) String() string { return r.Alias + "." + r.Port }

// Walk visits every block depth first, parents before children.
func (d *Definition) Walk(fn func(b *BlockDef, parent *BlockDef) error) error {
	var walk func(blocks []*BlockDef, parent *BlockDef) error
	walk = func(blocks []*BlockDef, parent *BlockDef) error {
		for _, b := range blocks {
			if err := fn(b, parent); err != nil {
				return err
			}
			if err := walk(b.Blocks, b); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(d.Blocks, nil)
}

type fileSchema struct {
	Name   string         `hcl:"name,optional"`
	Blocks []*blockSchema `hcl:"block,block"`
}

type blockSchema struct {
	Kind    string         `hcl:"kind,label"`
	Alias   string         `hcl:"alias,label"`
	Start   string         `hcl:"start,optional"`
	Params  *attrBlock     `hcl:"params,block"`
	Inputs  *attrBlock     `hcl:"inputs,block"`
	Collect *attrBlock     `hcl:"collect,block"`
	Blocks  []*blockSchema `hcl:"block,block"`
	Body    hcl.Body       `hcl:",body"`
}

type attrBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// LoadFile parses the definition at path.
func LoadFile(path string) (*Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}
	return Parse(path, src)
}

// Parse decodes an HCL definition. filename is only used in diagnostics.
func Parse(filename string, src []byte) (*Definition, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diagError(filename, "parse", diags)
	}

	var root fileSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, diagError(filename, "decode", diags)
	}

	def := &Definition{Name: root.Name, File: filename}
	var errs hcl.Diagnostics
	for _, b := range root.Blocks {
		bd, diags := translateBlock(b)
		errs = append(errs, diags...)
		def.Blocks = append(def.Blocks, bd)
	}
	if errs.HasErrors() {
		return nil, diagError(filename, "decode", errs)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return def, nil
}

func translateBlock(s *blockSchema) (*BlockDef, hcl.Diagnostics) {
	var diags hcl.Diagnostics
	b := &BlockDef{Kind: s.Kind, Alias: s.Alias, Start: s.Start}
	if s.Body != nil {
		b.Range = s.Body.MissingItemRange()
	}

	if s.Params != nil {
		params, d := decodeParams(s.Params.Body)
		diags = append(diags, d...)
		b.Params = params
	}
	if s.Inputs != nil {
		refs, d := decodeRefs(s.Inputs.Body)
		diags = append(diags, d...)
		b.Inputs = refs
	}
	if s.Collect != nil {
		refs, d := decodeRefs(s.Collect.Body)
		diags = append(diags, d...)
		b.Collect = refs
	}
	for _, child := range s.Blocks {
		cd, d := translateBlock(child)
		diags = append(diags, d...)
		b.Blocks = append(b.Blocks, cd)
	}
	return b, diags
}

func decodeParams(body hcl.Body) (map[string]any, hcl.Diagnostics) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	out := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		v, d := attr.Expr.Value(nil)
		diags = append(diags, d...)
		if d.HasErrors() {
			continue
		}
		native, err := toNative(v)
		if err != nil {
			diags = append(diags, &hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Unsupported parameter value",
				Detail:   fmt.Sprintf("Parameter %q: %v.", name, err),
				Subject:  attr.Expr.Range().Ptr(),
			})
			continue
		}
		out[name] = native
	}
	return out, diags
}

// toNative turns v into the JSON-shaped Go value block parameters use.
func toNative(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRefs(body hcl.Body) (map[string]Ref, hcl.Diagnostics) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	out := make(map[string]Ref, len(attrs))
	for name, attr := range attrs {
		ref, d := decodeRef(attr.Expr)
		diags = append(diags, d...)
		if !d.HasErrors() {
			out[name] = ref
		}
	}
	return out, diags
}

// decodeRef accepts a bare traversal (cv.train) or the same as a string.
func decodeRef(expr hcl.Expression) (Ref, hcl.Diagnostics) {
	bad := func(detail string) (Ref, hcl.Diagnostics) {
		return Ref{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Invalid block reference",
			Detail:   detail,
			Subject:  expr.Range().Ptr(),
		}}
	}

	if trav, diags := hcl.AbsTraversalForExpr(expr); !diags.HasErrors() {
		if len(trav) != 2 {
			return bad("A reference must have the form alias.port.")
		}
		attr, ok := trav[1].(hcl.TraverseAttr)
		if !ok {
			return bad("A reference must have the form alias.port.")
		}
		return Ref{Alias: trav.RootName(), Port: attr.Name, Range: expr.Range()}, nil
	}

	v, diags := expr.Value(nil)
	if diags.HasErrors() || v.IsNull() || v.Type() != cty.String {
		return bad("Expected alias.port, either bare or quoted.")
	}
	alias, port, ok := strings.Cut(v.AsString(), ".")
	if !ok || alias == "" || port == "" || strings.Contains(port, ".") {
		return bad(fmt.Sprintf("%q is not of the form alias.port.", v.AsString()))
	}
	return Ref{Alias: alias, Port: port, Range: expr.Range()}, nil
}

func diagError(filename, stage string, diags hcl.Diagnostics) error {
	return experiment.NewError(experiment.ErrConfiguration,
		fmt.Sprintf("%s pipeline %s: %s", stage, filename, diags.Error()), diags,
		map[string]any{"file": filename})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
