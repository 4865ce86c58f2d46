package properties

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	javaprops "github.com/magiconair/properties"

	"github.com/danmuck/nlpctl/internal/jsoncodec"
)

const (
	KeyAnnotators       = "annotators"
	KeyOutputFormat     = "outputFormat"
	KeyPipelineLanguage = "pipelineLanguage"

	DefaultAnnotators   = "tokenize,ssplit"
	DefaultOutputFormat = "serialized"
)

// PropertySet is an immutable, insertion-ordered string map. The zero value is
// an empty set.
type PropertySet struct {
	keys   []string
	values map[string]string
}

// New builds a set from alternating key/value pairs. A trailing key without a
// value is ignored.
func New(pairs ...string) PropertySet {
	var s PropertySet
	for i := 0; i+1 < len(pairs); i += 2 {
		s = s.with(pairs[i], pairs[i+1])
	}
	return s
}

// FromMap converts loosely typed configuration into a set. Keys are sorted so
// the result does not depend on map iteration order. Booleans become
// "true"/"false" and string lists are comma-joined.
func FromMap(m map[string]any) PropertySet {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var s PropertySet
	for _, k := range keys {
		s = s.with(k, stringify(m[k]))
	}
	return s
}

// FromStrings is FromMap for already-serialized values.
func FromStrings(m map[string]string) PropertySet {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var s PropertySet
	for _, k := range keys {
		s = s.with(k, m[k])
	}
	return s
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case []string:
		return strings.Join(tv, ",")
	case []any:
		parts := make([]string, 0, len(tv))
		for _, item := range tv {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprint(tv)
	}
}

func (s PropertySet) Len() int {
	return len(s.keys)
}

func (s PropertySet) IsEmpty() bool {
	return len(s.keys) == 0
}

func (s PropertySet) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s PropertySet) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Keys returns keys in insertion order.
func (s PropertySet) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Map returns a copy of the set as a plain map.
func (s PropertySet) Map() map[string]string {
	out := make(map[string]string, len(s.keys))
	for _, k := range s.keys {
		out[k] = s.values[k]
	}
	return out
}

func (s PropertySet) Annotators() string {
	return s.values[KeyAnnotators]
}

func (s PropertySet) OutputFormat() string {
	return s.values[KeyOutputFormat]
}

// With returns a copy with key set to value. Existing keys keep their position.
func (s PropertySet) With(key, value string) PropertySet {
	return s.with(key, value)
}

// Without returns a copy with key removed.
func (s PropertySet) Without(key string) PropertySet {
	if !s.Has(key) {
		return s
	}
	out := PropertySet{
		keys:   make([]string, 0, len(s.keys)-1),
		values: make(map[string]string, len(s.keys)-1),
	}
	for _, k := range s.keys {
		if k == key {
			continue
		}
		out.keys = append(out.keys, k)
		out.values[k] = s.values[k]
	}
	return out
}

// Merge returns a copy of s where every field present in over replaces the
// field in s. Fields only in over are appended in over's order.
func (s PropertySet) Merge(over PropertySet) PropertySet {
	if over.IsEmpty() {
		return s
	}
	out := s.clone()
	for _, k := range over.keys {
		out.set(k, over.values[k])
	}
	return out
}

func (s PropertySet) Equal(other PropertySet) bool {
	if len(s.keys) != len(other.keys) {
		return false
	}
	for _, k := range s.keys {
		v, ok := other.values[k]
		if !ok || v != s.values[k] {
			return false
		}
	}
	return true
}

func (s PropertySet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.values[k])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON emits a flat object with keys in insertion order.
func (s PropertySet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := jsoncodec.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := jsoncodec.Marshal(s.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts a flat object of scalars or string lists.
func (s *PropertySet) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := jsoncodec.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = FromMap(raw)
	return nil
}

func (s PropertySet) clone() PropertySet {
	out := PropertySet{
		keys:   make([]string, len(s.keys), len(s.keys)+4),
		values: make(map[string]string, len(s.keys)+4),
	}
	copy(out.keys, s.keys)
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}

func (s PropertySet) with(key, value string) PropertySet {
	out := s.clone()
	out.set(key, value)
	return out
}

func (s *PropertySet) set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// LoadJavaFile reads a CoreNLP-style .properties file.
func LoadJavaFile(path string) (PropertySet, error) {
	loader := javaprops.Loader{Encoding: javaprops.UTF8, DisableExpansion: true}
	p, err := loader.LoadFile(path)
	if err != nil {
		return PropertySet{}, fmt.Errorf("properties: load %s: %w", path, err)
	}
	return fromJava(p), nil
}

// ParseJava reads .properties content from a string.
func ParseJava(content string) (PropertySet, error) {
	loader := javaprops.Loader{Encoding: javaprops.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes([]byte(content))
	if err != nil {
		return PropertySet{}, fmt.Errorf("properties: parse: %w", err)
	}
	return fromJava(p), nil
}

// WriteJava serializes the set in .properties format, e.g. for a server
// properties file handed to a spawned server.
func WriteJava(w io.Writer, s PropertySet) error {
	p := javaprops.NewProperties()
	p.DisableExpansion = true
	for _, k := range s.keys {
		if _, _, err := p.Set(k, s.values[k]); err != nil {
			return fmt.Errorf("properties: set %s: %w", k, err)
		}
	}
	_, err := p.Write(w, javaprops.UTF8)
	return err
}

func fromJava(p *javaprops.Properties) PropertySet {
	var s PropertySet
	for _, k := range p.Keys() {
		v, _ := p.Get(k)
		s = s.with(k, v)
	}
	return s
}
