package document

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danmuck/nlpctl/internal/testutil/testlog"
)

func sampleDocument() *Document {
	return &Document{
		DocID: "doc-1",
		Text:  "Joe Smith lives in California.",
		Sentences: []Sentence{{
			Index: 0,
			Tokens: []Token{
				{Index: 1, Word: "Joe", OriginalText: "Joe", POS: "NNP", Before: "", After: " ", CharacterOffsetBegin: 0, CharacterOffsetEnd: 3},
				{Index: 2, Word: "Smith", OriginalText: "Smith", POS: "NNP", Before: " ", After: " ", CharacterOffsetBegin: 4, CharacterOffsetEnd: 9},
				{Index: 3, Word: "lives", OriginalText: "lives", POS: "VBZ", Before: " ", After: " ", CharacterOffsetBegin: 10, CharacterOffsetEnd: 15},
				{Index: 4, Word: "in", OriginalText: "in", POS: "IN", Before: " ", After: " ", CharacterOffsetBegin: 16, CharacterOffsetEnd: 18},
				{Index: 5, Word: "California", OriginalText: "California", POS: "NNP", Before: " ", After: "", CharacterOffsetBegin: 19, CharacterOffsetEnd: 29},
				{Index: 6, Word: ".", OriginalText: ".", POS: ".", Before: "", After: "", CharacterOffsetBegin: 29, CharacterOffsetEnd: 30},
			},
		}},
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	testlog.Start(t)
	in := sampleDocument()
	payload, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.DocID != in.DocID || len(out.Sentences) != 1 || out.TokenCount() != 6 {
		t.Fatalf("unexpected document: %+v", out)
	}
	got := out.Sentences[0].Tokens[4]
	if got.Word != "California" || got.CharacterOffsetBegin != 19 || got.CharacterOffsetEnd != 29 || got.POS != "NNP" {
		t.Fatalf("token mismatch: %+v", got)
	}
}

func TestSentenceText(t *testing.T) {
	testlog.Start(t)
	doc := sampleDocument()
	if got := SentenceText(doc.Sentences[0]); got != "Joe Smith lives in California." {
		t.Fatalf("sentence text: %q", got)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	testlog.Start(t)
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}

	st, _ := structpb.NewStruct(map[string]any{"text": "no sentences"})
	payload, _ := proto.Marshal(st)
	if _, err := Unmarshal(payload); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument for missing sentences, got %v", err)
	}
}
