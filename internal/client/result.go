package client

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/danmuck/nlpctl/internal/document"
	"github.com/danmuck/nlpctl/internal/jsoncodec"
	"github.com/danmuck/nlpctl/internal/properties"
	"github.com/danmuck/nlpctl/internal/protocol/frame"
)

const (
	FormatText       = "text"
	FormatJSON       = "json"
	FormatSerialized = "serialized"
	FormatXML        = "xml"
	FormatConll      = "conll"
	FormatConllu     = "conllu"
	FormatTagged     = "tagged"
)

// Result is one decoded annotation. Exactly one of Text, JSON and Document is
// set, chosen by Format.
type Result struct {
	Format     string
	Properties properties.PropertySet
	Text       string
	JSON       map[string]any
	Document   *document.Document
}

// decodeResult decodes body by format. maxBytes caps a serialized document;
// zero means no cap beyond the body itself.
func decodeResult(format string, props properties.PropertySet, body []byte, maxBytes int64) (*Result, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	res := &Result{Format: format, Properties: props}

	switch format {
	case FormatJSON:
		var tree map[string]any
		if err := jsoncodec.Unmarshal(body, &tree); err != nil {
			return nil, fmt.Errorf("%w: json: %w", ErrResponseDecode, err)
		}
		if tree == nil {
			return nil, fmt.Errorf("%w: json: not an object", ErrResponseDecode)
		}
		res.JSON = tree

	case FormatSerialized:
		doc, err := decodeSerialized(body, maxBytes)
		if err != nil {
			return nil, err
		}
		res.Document = doc

	default:
		if !utf8.Valid(body) {
			return nil, fmt.Errorf("%w: %s: invalid utf-8", ErrResponseDecode, format)
		}
		res.Text = string(body)
	}
	return res, nil
}

func decodeSerialized(body []byte, maxBytes int64) (*document.Document, error) {
	var limits frame.Limits
	if maxBytes > 0 {
		limits.MaxPayloadBytes = uint64(maxBytes)
	}
	payload, consumed, err := frame.DecodeDelimitedWithLimits(body, 0, limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponseDecode, err)
	}
	if consumed != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes after document", ErrResponseDecode, len(body)-consumed)
	}
	doc, err := document.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResponseDecode, err)
	}
	return doc, nil
}
