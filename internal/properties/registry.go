package properties

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownPropertiesKey = errors.New("properties: unknown properties key")

// Shorthand carries the per-call convenience fields. They only fill gaps left by
// the registered set and the overrides.
type Shorthand struct {
	Annotators   string
	OutputFormat string
}

func (sh Shorthand) set() PropertySet {
	var s PropertySet
	if a := strings.TrimSpace(sh.Annotators); a != "" {
		s = s.with(KeyAnnotators, a)
	}
	if f := strings.TrimSpace(sh.OutputFormat); f != "" {
		s = s.with(KeyOutputFormat, f)
	}
	return s
}

// Defaults is the lowest-precedence layer of every resolution.
func Defaults() PropertySet {
	return New(
		KeyAnnotators, DefaultAnnotators,
		KeyOutputFormat, DefaultOutputFormat,
	)
}

// languageKeys are properties keys the server understands without registration.
var languageKeys = map[string]string{
	"arabic":    "arabic",
	"chinese":   "chinese",
	"english":   "english",
	"french":    "french",
	"german":    "german",
	"hungarian": "hungarian",
	"italian":   "italian",
	"spanish":   "spanish",
}

// IsLanguageKey reports whether key names a built-in server language.
func IsLanguageKey(key string) bool {
	_, ok := languageKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Registry maps properties keys to registered sets. Each client owns one unless
// a registry is shared explicitly.
type Registry struct {
	items map[string]PropertySet
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]PropertySet),
	}
}

// Register stores or overwrites the set for key.
func (r *Registry) Register(key string, set PropertySet) {
	stored := set.clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[key] = stored
}

// Unregister removes key and reports whether it was present.
func (r *Registry) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.items[key]
	delete(r.items, key)
	return ok
}

// Lookup returns the registered set for key, falling back to built-in
// language keys.
func (r *Registry) Lookup(key string) (PropertySet, bool) {
	r.mu.RLock()
	set, ok := r.items[key]
	r.mu.RUnlock()
	if ok {
		return set, true
	}
	if lang, ok := languageKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return New(KeyPipelineLanguage, lang), true
	}
	return PropertySet{}, false
}

// Keys returns explicitly registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for k := range r.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve computes the properties sent for one call. Precedence, highest
// first: overrides, the set registered under key, shorthand, Defaults().
// An empty key skips the registry. The registry is never modified.
func (r *Registry) Resolve(key string, overrides PropertySet, sh Shorthand) (PropertySet, error) {
	var registered PropertySet
	if key != "" {
		set, ok := r.Lookup(key)
		if !ok {
			return PropertySet{}, fmt.Errorf("%w: %q", ErrUnknownPropertiesKey, key)
		}
		registered = set
	}

	resolved := Defaults().
		Merge(sh.set()).
		Merge(registered).
		Merge(overrides)
	return resolved, nil
}
