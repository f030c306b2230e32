// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graphfile

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// ParseYAML decodes a YAML node graph. Unknown keys are rejected.
func ParseYAML(r io.Reader) (*Spec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var s Spec
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &s, nil
}

type hclFile struct {
	Nodes []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Type      string    `hcl:"type,label"`
	Target    string    `hcl:"target,label"`
	Kind      string    `hcl:"kind,optional"`
	Deps      []string  `hcl:"deps,optional"`
	Inputs    []string  `hcl:"inputs,optional"`
	Cacheable bool      `hcl:"cacheable,optional"`
	Fields    cty.Value `hcl:"fields,optional"`
}

// ParseHCL decodes an HCL node graph. filename is used in diagnostics.
func ParseHCL(src []byte, filename string) (*Spec, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	s := &Spec{Nodes: make([]NodeSpec, 0, len(parsed.Nodes))}
	for _, n := range parsed.Nodes {
		fields, err := ctyFields(n.Fields)
		if err != nil {
			return nil, fmt.Errorf("%s: fields: %w", n.Target, err)
		}
		s.Nodes = append(s.Nodes, NodeSpec{
			Target:    n.Target,
			Kind:      n.Kind,
			Type:      n.Type,
			Deps:      n.Deps,
			Inputs:    n.Inputs,
			Cacheable: n.Cacheable,
			Fields:    fields,
		})
	}
	return s, nil
}

func ctyFields(v cty.Value) (map[string]any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.Type().IsObjectType() && !v.Type().IsMapType() {
		return nil, fmt.Errorf("%w: fields must be an object, got %s", ErrInvalidValue, v.Type().FriendlyName())
	}
	native, err := ctyToNative(v)
	if err != nil {
		return nil, err
	}
	return native.(map[string]any), nil
}

// ctyToNative converts a cty value to the shapes the YAML decoder produces:
// string, int64, bool, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, fmt.Errorf("%w: null or unknown value", ErrInvalidValue)
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if !bf.IsInt() {
			return nil, fmt.Errorf("%w: %s is not an integer", ErrInvalidValue, bf.String())
		}
		i, acc := bf.Int64()
		if acc != big.Exact {
			return nil, fmt.Errorf("%w: %s overflows int64", ErrInvalidValue, bf.String())
		}
		return i, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %s: %w", key.AsString(), err)
			}
			out[key.AsString()] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %s", ErrInvalidValue, ty.FriendlyName())
	}
}
