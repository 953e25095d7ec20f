// Package config canonicalizes heterogeneous build-configuration input into
// a fixed internal shape and serializes it for storage. The codec works at
// the yaml.Node level so that env row shapes (bare string vs list) and
// mapping order survive a round trip exactly.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	keyEnv             = "env"
	keyGlobalEnv       = "global_env"
	keyLegacyGlobalEnv = "_global_env"

	// keySourceKey is transport-only and never persisted.
	keySourceKey = "source_key"

	// keySecure marks a single-entry mapping whose value is ciphertext.
	keySecure = "secure"
)

// EnvVar is one env token: either a plain "KEY=value" declaration or the
// ciphertext of a secure variable.
type EnvVar struct {
	Plain  string
	Secure string
}

func PlainVar(s string) EnvVar { return EnvVar{Plain: s} }

func SecureVar(ct string) EnvVar { return EnvVar{Secure: ct} }

func (v EnvVar) IsSecure() bool { return v.Secure != "" }

// EnvEntry is one row of the env matrix: either a bare token or an ordered
// list of tokens, mirroring the shape of the matrix leg it came from.
type EnvEntry struct {
	Vars []EnvVar
	List bool
}

func BareEntry(v EnvVar) EnvEntry { return EnvEntry{Vars: []EnvVar{v}} }

func ListEntry(vs ...EnvVar) EnvEntry { return EnvEntry{Vars: vs, List: true} }

// Field is a passthrough configuration key with its canonicalized value.
type Field struct {
	Key   string
	Value *yaml.Node
}

// Config is the canonical build configuration.
type Config struct {
	// Env is the ordered sequence of matrix rows, nil when the source had
	// no env section at all.
	Env []EnvEntry
	// GlobalEnv holds the flattened global entries, nil when the source
	// had no global section.
	GlobalEnv []EnvVar
	// Legacy selects the compatibility field layout: the global list
	// serializes under "_global_env" instead of "global_env".
	Legacy bool
	// Fields are the non-env keys in source order.
	Fields []Field
}

// Field returns the canonicalized value node for a passthrough key, or nil.
func (c *Config) Field(key string) *yaml.Node {
	for _, f := range c.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// Encode serializes c to its stored YAML form.
func (c *Config) Encode() ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	if c.Env != nil {
		env := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, entry := range c.Env {
			env.Content = append(env.Content, entryNode(entry))
		}
		appendPair(root, keyEnv, env)
	}
	if c.GlobalEnv != nil {
		key := keyGlobalEnv
		if c.Legacy {
			key = keyLegacyGlobalEnv
		}
		global := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, v := range c.GlobalEnv {
			global.Content = append(global.Content, varNode(v))
		}
		appendPair(root, key, global)
	}
	for _, f := range c.Fields {
		appendPair(root, f.Key, f.Value)
	}
	return yaml.Marshal(root)
}

// Decode parses a stored configuration. If the stored form turns out to be a
// doubly serialized string, the string itself is deserialized and a warning
// is logged; this keeps configs written by earlier versions readable.
func Decode(data []byte, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := parseMapping(data)
	if err != nil {
		var inner string
		if yaml.Unmarshal(data, &inner) == nil {
			logger.Warn("stored config required self-deserialization", "format", "string")
			root, err = parseMapping([]byte(inner))
		}
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	c := &Config{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		value := root.Content[i+1]
		switch key {
		case keyEnv:
			c.Env = decodeEnv(value)
		case keyGlobalEnv:
			c.GlobalEnv = decodeVars(value)
		case keyLegacyGlobalEnv:
			c.GlobalEnv = decodeVars(value)
			c.Legacy = true
		case keySourceKey:
			// transport-only, dropped
		default:
			c.Fields = append(c.Fields, Field{Key: key, Value: value})
		}
	}
	return c, nil
}

func parseMapping(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	root := resolveAlias(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected mapping, got %s", root.Tag)
	}
	return root, nil
}

func decodeEnv(node *yaml.Node) []EnvEntry {
	node = resolveAlias(node)
	if isNull(node) {
		return nil
	}
	entries := []EnvEntry{}
	if node.Kind != yaml.SequenceNode {
		return append(entries, decodeEntry(node))
	}
	for _, el := range node.Content {
		entries = append(entries, decodeEntry(el))
	}
	return entries
}

func decodeEntry(node *yaml.Node) EnvEntry {
	node = resolveAlias(node)
	if node.Kind == yaml.SequenceNode {
		return ListEntry(decodeVars(node)...)
	}
	return BareEntry(decodeVar(node))
}

func decodeVars(node *yaml.Node) []EnvVar {
	node = resolveAlias(node)
	if isNull(node) {
		return nil
	}
	vars := []EnvVar{}
	if node.Kind != yaml.SequenceNode {
		return append(vars, decodeVar(node))
	}
	for _, el := range node.Content {
		vars = append(vars, decodeVar(el))
	}
	return vars
}

func decodeVar(node *yaml.Node) EnvVar {
	node = resolveAlias(node)
	if ct, ok := secureValue(node); ok {
		return SecureVar(ct)
	}
	if node.Kind == yaml.MappingNode {
		return PlainVar(joinPairs(node))
	}
	return PlainVar(node.Value)
}

// secureValue reports whether node is a single-entry mapping whose sole key
// denotes "secure", and returns the ciphertext if so.
func secureValue(node *yaml.Node) (string, bool) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return "", false
	}
	if node.Content[0].Value != keySecure {
		return "", false
	}
	return node.Content[1].Value, true
}

// joinPairs renders a mapping like {FOO: bar, BAR: baz} as the single string
// "FOO=bar BAR=baz", mapping order preserved.
func joinPairs(node *yaml.Node) string {
	var parts []string
	for i := 0; i+1 < len(node.Content); i += 2 {
		k := scalarString(node.Content[i])
		v := scalarString(node.Content[i+1])
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

func scalarString(node *yaml.Node) string {
	node = resolveAlias(node)
	if node.Kind == yaml.ScalarNode {
		return node.Value
	}
	b, err := yaml.Marshal(node)
	if err != nil {
		return node.Value
	}
	return strings.TrimRight(string(b), "\n")
}

func entryNode(entry EnvEntry) *yaml.Node {
	if !entry.List {
		if len(entry.Vars) == 0 {
			return nullNode()
		}
		return varNode(entry.Vars[0])
	}
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range entry.Vars {
		seq.Content = append(seq.Content, varNode(v))
	}
	return seq
}

func varNode(v EnvVar) *yaml.Node {
	if v.IsSecure() {
		m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		m.Content = append(m.Content, strNode(keySecure), strNode(v.Secure))
		return m
	}
	return strNode(v.Plain)
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

func appendPair(m *yaml.Node, key string, value *yaml.Node) {
	m.Content = append(m.Content, strNode(key), value)
}

func resolveAlias(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}
