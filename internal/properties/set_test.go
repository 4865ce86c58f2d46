package properties

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/nlpctl/internal/testutil/testlog"
)

func TestFromMapSerializesValues(t *testing.T) {
	testlog.Start(t)
	s := FromMap(map[string]any{
		"b.flag":    true,
		"a.list":    []string{"x", "y"},
		"c.threads": 4,
	})
	require.Equal(t, []string{"a.list", "b.flag", "c.threads"}, s.Keys())
	v, _ := s.Get("a.list")
	require.Equal(t, "x,y", v)
	v, _ = s.Get("b.flag")
	require.Equal(t, "true", v)
	v, _ = s.Get("c.threads")
	require.Equal(t, "4", v)
}

func TestWithAndMergeDoNotMutateReceiver(t *testing.T) {
	testlog.Start(t)
	base := New("a", "1", "b", "2")
	changed := base.With("a", "9").With("c", "3")
	merged := base.Merge(New("b", "8", "d", "4"))

	require.Equal(t, map[string]string{"a": "1", "b": "2"}, base.Map())
	require.Equal(t, []string{"a", "b", "c"}, changed.Keys())
	require.Equal(t, []string{"a", "b", "d"}, merged.Keys())
	v, _ := merged.Get("b")
	require.Equal(t, "8", v)
	require.Equal(t, []string{"b"}, base.Without("a").Keys())
}

func TestMarshalJSONKeepsOrder(t *testing.T) {
	testlog.Start(t)
	s := New("outputFormat", "json", "annotators", "tokenize,ssplit", "quote", `say "hi"`)
	data, err := s.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `{"outputFormat":"json","annotators":"tokenize,ssplit","quote":"say \"hi\""}`, string(data))

	var back PropertySet
	require.NoError(t, back.UnmarshalJSON(data))
	require.True(t, back.Equal(s))
}

func TestJavaPropertiesRoundTrip(t *testing.T) {
	testlog.Start(t)
	src := strings.Join([]string{
		"# french pipeline",
		"annotators = tokenize, ssplit, pos",
		"tokenize.language = fr",
		"pos.model = edu/stanford/nlp/models/pos-tagger/french-ud.tagger",
	}, "\n")
	s, err := ParseJava(src)
	require.NoError(t, err)
	require.Equal(t, []string{"annotators", "tokenize.language", "pos.model"}, s.Keys())
	require.Equal(t, "tokenize, ssplit, pos", s.Annotators())

	var buf bytes.Buffer
	require.NoError(t, WriteJava(&buf, s))
	path := filepath.Join(t.TempDir(), "server.properties")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := LoadJavaFile(path)
	require.NoError(t, err)
	require.True(t, loaded.Equal(s), "loaded=%s", loaded)
}

func TestLoadJavaFileMissing(t *testing.T) {
	testlog.Start(t)
	_, err := LoadJavaFile(filepath.Join(t.TempDir(), "nope.properties"))
	require.Error(t, err)
}
