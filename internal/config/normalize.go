package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const (
	keyGlobal = "global"
	keyMatrix = "matrix"
)

// Normalize canonicalizes a raw build-specification mapping. Keys are
// deep-converted to strings, the transport-only source_key entry is
// stripped, and the env section is normalized into matrix rows plus the
// flattened global list. The legacy flag selects the compatibility field
// layout retained for configs produced before global_env was introduced.
func Normalize(root *yaml.Node, legacy bool) (*Config, error) {
	root = resolveAlias(root)
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return &Config{Legacy: legacy}, nil
		}
		root = resolveAlias(root.Content[0])
	}
	if isNull(root) {
		return &Config{Legacy: legacy}, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("normalize config: expected mapping, got %s", root.Tag)
	}

	c := &Config{Legacy: legacy}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := scalarString(root.Content[i])
		value := root.Content[i+1]
		switch key {
		case keySourceKey:
			// transport-only, never persisted
		case keyEnv:
			c.Env, c.GlobalEnv = normalizeEnv(value)
		default:
			c.Fields = append(c.Fields, Field{Key: key, Value: canonicalize(value)})
		}
	}
	return c, nil
}

// NormalizeBytes parses raw YAML and normalizes it.
func NormalizeBytes(raw []byte, legacy bool) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("normalize config: %w", err)
	}
	return Normalize(&doc, legacy)
}

// normalizeEnv turns an env declaration of any supported shape into matrix
// rows and the flattened global list.
//
// A mapping with global and/or matrix keys is the split form; anything else
// (bare string, mapping of variables, sequence) is matrix-only input.
func normalizeEnv(node *yaml.Node) (env []EnvEntry, global []EnvVar) {
	node = resolveAlias(node)
	if isNull(node) {
		return nil, nil
	}

	matrixNode := node
	var globalNode *yaml.Node
	if split, g, m := splitForm(node); split {
		globalNode, matrixNode = g, m
	}

	if globalNode != nil {
		global = flattenVars(globalNode)
		if global == nil {
			global = []EnvVar{}
		}
	}

	if matrixNode == nil || isNull(matrixNode) {
		// No matrix: env is whatever global flattened to.
		if global == nil {
			return nil, nil
		}
		env = []EnvEntry{}
		for _, v := range global {
			env = append(env, BareEntry(v))
		}
		return env, global
	}

	legs := []*yaml.Node{matrixNode}
	if resolveAlias(matrixNode).Kind == yaml.SequenceNode {
		legs = resolveAlias(matrixNode).Content
	}

	env = []EnvEntry{}
	for _, leg := range legs {
		leg = resolveAlias(leg)
		row := append(flattenVars(leg), global...)
		// Single-element legs collapse to a bare token unless the
		// original leg was itself a sequence.
		if len(row) == 1 && leg.Kind != yaml.SequenceNode {
			env = append(env, BareEntry(row[0]))
			continue
		}
		env = append(env, ListEntry(row...))
	}
	return env, global
}

// splitForm reports whether node is the {global: ..., matrix: ...} form and
// returns the two sections (either may be nil).
func splitForm(node *yaml.Node) (ok bool, global, matrix *yaml.Node) {
	if node.Kind != yaml.MappingNode {
		return false, nil, nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		switch scalarString(node.Content[i]) {
		case keyGlobal:
			ok = true
			global = node.Content[i+1]
		case keyMatrix:
			ok = true
			matrix = node.Content[i+1]
		}
	}
	return ok, global, matrix
}

// flattenVars flattens an env section element of any shape into an ordered
// sequence of tokens. A mapping is order-joined into one "K=V K2=V2" string
// unless it is a secure marker, which stays a single secure token.
func flattenVars(node *yaml.Node) []EnvVar {
	node = resolveAlias(node)
	if isNull(node) {
		return nil
	}
	switch node.Kind {
	case yaml.SequenceNode:
		var vars []EnvVar
		for _, el := range node.Content {
			vars = append(vars, flattenVars(el)...)
		}
		return vars
	case yaml.MappingNode:
		if ct, secure := secureValue(node); secure {
			return []EnvVar{SecureVar(ct)}
		}
		return []EnvVar{PlainVar(joinPairs(node))}
	default:
		return []EnvVar{PlainVar(node.Value)}
	}
}

// canonicalize rewrites every mapping key in the subtree to its string form.
func canonicalize(node *yaml.Node) *yaml.Node {
	node = resolveAlias(node)
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			node.Content[i] = strNode(scalarString(node.Content[i]))
			node.Content[i+1] = canonicalize(node.Content[i+1])
		}
	case yaml.SequenceNode:
		for i, el := range node.Content {
			node.Content[i] = canonicalize(el)
		}
	}
	return node
}
