// Package document holds the structured annotation result carried by the
// serialized output format. On the wire a document is a protobuf
// google.protobuf.Struct using the server's JSON field names.
package document

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danmuck/nlpctl/internal/jsoncodec"
)

var ErrInvalidDocument = errors.New("document: invalid payload")

type Document struct {
	DocID     string     `json:"docId,omitempty"`
	Text      string     `json:"text,omitempty"`
	Sentences []Sentence `json:"sentences"`
}

type Sentence struct {
	Index  int     `json:"index"`
	Tokens []Token `json:"tokens"`
}

type Token struct {
	Index                int    `json:"index"`
	Word                 string `json:"word"`
	OriginalText         string `json:"originalText"`
	Lemma                string `json:"lemma,omitempty"`
	POS                  string `json:"pos,omitempty"`
	NER                  string `json:"ner,omitempty"`
	Before               string `json:"before"`
	After                string `json:"after"`
	CharacterOffsetBegin int    `json:"characterOffsetBegin"`
	CharacterOffsetEnd   int    `json:"characterOffsetEnd"`
}

// Tree converts the document into the generic JSON-compatible shape.
func (d *Document) Tree() (map[string]any, error) {
	data, err := jsoncodec.Marshal(d)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := jsoncodec.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// FromTree builds a document from a JSON-compatible tree.
func FromTree(tree map[string]any) (*Document, error) {
	data, err := jsoncodec.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var doc Document
	if err := jsoncodec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// Marshal encodes the document as a protobuf Struct.
func Marshal(d *Document) ([]byte, error) {
	tree, err := d.Tree()
	if err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(tree)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// Unmarshal decodes a protobuf Struct payload into a document.
func Unmarshal(payload []byte) (*Document, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if _, ok := st.GetFields()["sentences"]; !ok {
		return nil, fmt.Errorf("%w: missing sentences", ErrInvalidDocument)
	}
	return FromTree(st.AsMap())
}

// SentenceText rebuilds the sentence surface text from token words and the
// whitespace recorded before each token.
func SentenceText(s Sentence) string {
	var b strings.Builder
	for i, tok := range s.Tokens {
		if i != 0 {
			b.WriteString(tok.Before)
		}
		b.WriteString(tok.Word)
	}
	return b.String()
}

// TokenCount sums tokens across sentences.
func (d *Document) TokenCount() int {
	n := 0
	for _, s := range d.Sentences {
		n += len(s.Tokens)
	}
	return n
}
