package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/patchd/internal/descriptor"
)

const (
	keyMutations = "mutations"
	keyPost      = "postMutationBuild"
	keyFlags     = "flags"
	keyShell     = "shell"
	keyCommands  = "commands"
)

// codec reads the step lists out of one encoded descriptor and writes them
// back, leaving every other field as it was.
type codec interface {
	Document() (Document, error)
	Encode(d Document) ([]byte, error)
}

func newCodec(path string, data []byte) (codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAMLDoc(data)
	default:
		return parseJSONDoc(descriptor.StripComments(data))
	}
}

// jsonObject is a JSON object that remembers key order.
type jsonObject struct {
	keys   []string
	values map[string]json.RawMessage
}

func parseJSONDoc(data []byte) (*jsonObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	obj, err := decodeObject(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after top-level object")
	}
	return obj, nil
}

func parseJSONObject(raw json.RawMessage) (*jsonObject, error) {
	return decodeObject(json.NewDecoder(bytes.NewReader(raw)))
}

func decodeObject(dec *json.Decoder) (*jsonObject, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("descriptor must be a JSON object")
	}
	obj := &jsonObject{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		obj.set(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return obj, nil
}

func (o *jsonObject) set(key string, raw json.RawMessage) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = raw
}

func (o *jsonObject) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalJSON(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(o.values[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *jsonObject) Document() (Document, error) {
	var d Document
	var err error
	if d.Mutations, err = o.steps(keyMutations); err != nil {
		return Document{}, err
	}
	if d.PostMutationBuild, err = o.steps(keyPost); err != nil {
		return Document{}, err
	}
	if raw, ok := o.values[keyFlags]; ok {
		if err := json.Unmarshal(raw, &d.Flags); err != nil {
			return Document{}, fmt.Errorf("flags: %w", err)
		}
	}
	return d, nil
}

// steps reads an array of strings or an object whose shell (or commands)
// field holds one.
func (o *jsonObject) steps(key string) ([]string, error) {
	raw, ok := o.values[key]
	if !ok || isNull(raw) {
		return nil, nil
	}
	if raw = bytes.TrimSpace(raw); len(raw) > 0 && raw[0] == '{' {
		inner, err := parseJSONObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		return inner.steps(inner.listKey())
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (o *jsonObject) listKey() string {
	if _, ok := o.values[keyShell]; !ok {
		if _, ok := o.values[keyCommands]; ok {
			return keyCommands
		}
	}
	return keyShell
}

func (o *jsonObject) Encode(d Document) ([]byte, error) {
	if d.Mutations != nil {
		if err := o.setSteps(keyMutations, d.Mutations, false); err != nil {
			return nil, err
		}
	}
	if err := o.setSteps(keyPost, d.PostMutationBuild, o.objectShaped(keyMutations)); err != nil {
		return nil, err
	}
	compact, err := o.marshal()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, compact, "", "  "); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func (o *jsonObject) objectShaped(key string) bool {
	raw := bytes.TrimSpace(o.values[key])
	return len(raw) > 0 && raw[0] == '{'
}

// setSteps replaces the list under key in whatever shape it already has.
// A missing list is created as an object when asObject is set.
func (o *jsonObject) setSteps(key string, steps []string, asObject bool) error {
	if steps == nil {
		steps = []string{}
	}
	list, err := marshalJSON(steps)
	if err != nil {
		return err
	}
	raw, exists := o.values[key]
	if exists && !isNull(raw) {
		asObject = o.objectShaped(key)
	}
	if !asObject {
		o.set(key, list)
		return nil
	}
	inner := &jsonObject{values: make(map[string]json.RawMessage)}
	if exists && o.objectShaped(key) {
		if inner, err = parseJSONObject(raw); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	inner.set(inner.listKey(), list)
	b, err := inner.marshal()
	if err != nil {
		return err
	}
	o.set(key, b)
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// marshalJSON encodes v without HTML escaping so shell operators such as
// && and > survive unchanged.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// yamlDoc edits a YAML descriptor in place through its node tree, so key
// order and comments are kept.
type yamlDoc struct {
	root *yamlv3.Node
}

func parseYAMLDoc(data []byte) (*yamlDoc, error) {
	var root yamlv3.Node
	if err := yamlv3.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if root.Kind != yamlv3.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yamlv3.MappingNode {
		return nil, errors.New("descriptor must be a YAML mapping")
	}
	return &yamlDoc{root: &root}, nil
}

func (y *yamlDoc) mapping() *yamlv3.Node { return y.root.Content[0] }

func lookup(m *yamlv3.Node, key string) *yamlv3.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// listNode resolves key to its sequence node, descending into shell or
// commands when the value is a mapping.
func listNode(m *yamlv3.Node, key string) *yamlv3.Node {
	n := lookup(m, key)
	if n == nil || n.Kind != yamlv3.MappingNode {
		return n
	}
	if s := lookup(n, keyShell); s != nil {
		return s
	}
	return lookup(n, keyCommands)
}

func yamlSteps(m *yamlv3.Node, key string) ([]string, error) {
	n := listNode(m, key)
	if n == nil || n.Tag == "!!null" {
		return nil, nil
	}
	var out []string
	if err := n.Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (y *yamlDoc) Document() (Document, error) {
	m := y.mapping()
	var d Document
	var err error
	if d.Mutations, err = yamlSteps(m, keyMutations); err != nil {
		return Document{}, err
	}
	if d.PostMutationBuild, err = yamlSteps(m, keyPost); err != nil {
		return Document{}, err
	}
	if n := lookup(m, keyFlags); n != nil {
		if err := n.Decode(&d.Flags); err != nil {
			return Document{}, fmt.Errorf("flags: %w", err)
		}
	}
	return d, nil
}

func (y *yamlDoc) Encode(d Document) ([]byte, error) {
	m := y.mapping()
	if d.Mutations != nil {
		setYAMLSteps(m, keyMutations, d.Mutations)
	}
	setYAMLSteps(m, keyPost, d.PostMutationBuild)

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(y.root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setYAMLSteps(m *yamlv3.Node, key string, steps []string) {
	seq := &yamlv3.Node{Kind: yamlv3.SequenceNode, Tag: "!!seq"}
	for _, s := range steps {
		seq.Content = append(seq.Content, &yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: s})
	}
	if n := listNode(m, key); n != nil && n.Kind == yamlv3.SequenceNode {
		n.Content = seq.Content
		n.Tag = "!!seq"
		return
	}
	if n := lookup(m, key); n != nil && n.Kind == yamlv3.MappingNode {
		n.Content = append(n.Content, &yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: keyShell}, seq)
		return
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = seq
			return
		}
	}
	m.Content = append(m.Content,
		&yamlv3.Node{Kind: yamlv3.ScalarNode, Tag: "!!str", Value: key},
		seq,
	)
}
