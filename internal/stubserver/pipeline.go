package stubserver

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/danmuck/nlpctl/internal/document"
)

var (
	ErrUnknownAnnotator   = errors.New("stubserver: unknown annotator")
	ErrMissingRequirement = errors.New("stubserver: missing annotator requirement")
	ErrUnknownFormat      = errors.New("stubserver: unknown output format")
)

// requirements lists, per supported annotator, the annotators that must run
// before it.
var requirements = map[string][]string{
	"tokenize": nil,
	"cleanxml": {"tokenize"},
	"ssplit":   {"tokenize"},
	"mwt":      {"tokenize", "ssplit"},
	"pos":      {"tokenize", "ssplit"},
	"lemma":    {"pos"},
	"ner":      {"pos", "lemma"},
}

type pipeline struct {
	annotators []string
	enabled    map[string]bool
}

func newPipeline(list string) (*pipeline, error) {
	p := &pipeline{enabled: make(map[string]bool)}
	for _, raw := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		reqs, ok := requirements[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAnnotator, name)
		}
		for _, req := range reqs {
			if !p.enabled[req] {
				return nil, fmt.Errorf("%w: annotator %q requires %q", ErrMissingRequirement, name, req)
			}
		}
		p.annotators = append(p.annotators, name)
		p.enabled[name] = true
	}
	if !p.enabled["tokenize"] {
		return nil, fmt.Errorf("%w: annotator %q required", ErrMissingRequirement, "tokenize")
	}
	return p, nil
}

func (p *pipeline) annotate(docID, text string) *document.Document {
	tokens := tokenize(text)
	var sentences [][]document.Token
	if p.enabled["ssplit"] {
		sentences = splitSentences(tokens)
	} else if len(tokens) > 0 {
		sentences = [][]document.Token{tokens}
	}

	doc := &document.Document{DocID: docID, Text: text, Sentences: make([]document.Sentence, 0, len(sentences))}
	for si, toks := range sentences {
		for i := range toks {
			toks[i].Index = i + 1
			if p.enabled["pos"] {
				toks[i].POS = tagWord(toks[i].Word)
			}
			if p.enabled["lemma"] {
				toks[i].Lemma = lemmatize(toks[i].Word, toks[i].POS)
			}
			if p.enabled["ner"] {
				toks[i].NER = entityTag(toks[i].Word, toks[i].POS)
			}
		}
		doc.Sentences = append(doc.Sentences, document.Sentence{Index: si, Tokens: toks})
	}
	return doc
}

// tokenize splits on whitespace, keeps runs of letters, digits, apostrophes
// and hyphens together and emits every other rune as its own token. Offsets
// count runes.
func tokenize(text string) []document.Token {
	runes := []rune(text)
	var toks []document.Token
	for i := 0; i < len(runes); {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		start := i
		if isWordRune(runes[i]) {
			for i < len(runes) && isWordRune(runes[i]) {
				i++
			}
		} else {
			i++
		}
		word := string(runes[start:i])
		toks = append(toks, document.Token{
			Word:                 word,
			OriginalText:         word,
			CharacterOffsetBegin: start,
			CharacterOffsetEnd:   i,
		})
	}

	prevEnd := 0
	for k := range toks {
		ws := string(runes[prevEnd:toks[k].CharacterOffsetBegin])
		toks[k].Before = ws
		if k > 0 {
			toks[k-1].After = ws
		}
		prevEnd = toks[k].CharacterOffsetEnd
	}
	if n := len(toks); n > 0 {
		toks[n-1].After = string(runes[prevEnd:])
	}
	return toks
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
}

func splitSentences(tokens []document.Token) [][]document.Token {
	var out [][]document.Token
	start := 0
	for i, tok := range tokens {
		switch tok.Word {
		case ".", "!", "?":
			out = append(out, tokens[start:i+1])
			start = i + 1
		}
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

var closedClass = map[string]string{
	"the": "DT", "a": "DT", "an": "DT",
	"in": "IN", "on": "IN", "at": "IN", "of": "IN", "from": "IN", "with": "IN", "by": "IN",
	"to":  "TO",
	"and": "CC", "or": "CC", "but": "CC",
	"is": "VBZ", "are": "VBP", "was": "VBD",
	"i": "PRP", "he": "PRP", "she": "PRP", "it": "PRP", "we": "PRP", "they": "PRP", "you": "PRP",
}

func tagWord(word string) string {
	if tag, ok := closedClass[strings.ToLower(word)]; ok {
		return tag
	}
	switch word {
	case ".", "!", "?":
		return "."
	case ",":
		return ","
	case ":", ";":
		return ":"
	}
	runes := []rune(word)
	if len(runes) == 1 && !unicode.IsLetter(runes[0]) && !unicode.IsDigit(runes[0]) {
		return "SYM"
	}
	if strings.IndexFunc(word, func(r rune) bool { return !unicode.IsDigit(r) }) < 0 {
		return "CD"
	}
	if unicode.IsUpper(runes[0]) {
		return "NNP"
	}
	lower := strings.ToLower(word)
	switch {
	case strings.HasSuffix(lower, "ly"):
		return "RB"
	case strings.HasSuffix(lower, "ing"):
		return "VBG"
	case strings.HasSuffix(lower, "ed"):
		return "VBD"
	case len(lower) > 3 && strings.HasSuffix(lower, "s"):
		return "NNS"
	}
	return "NN"
}

func lemmatize(word, pos string) string {
	switch pos {
	case "NNP", ".", ",", ":", "SYM", "CD":
		return word
	}
	lower := strings.ToLower(word)
	switch lower {
	case "is", "are", "was":
		return "be"
	}
	switch pos {
	case "NNS":
		return strings.TrimSuffix(lower, "s")
	case "VBG":
		return strings.TrimSuffix(lower, "ing")
	case "VBD":
		return strings.TrimSuffix(lower, "ed")
	}
	return lower
}

var locations = map[string]bool{
	"California": true, "France": true, "Germany": true, "London": true, "Paris": true, "Berlin": true,
}

func entityTag(word, pos string) string {
	switch pos {
	case "NNP":
		if locations[word] {
			return "LOCATION"
		}
		return "PERSON"
	case "CD":
		return "NUMBER"
	}
	return "O"
}

// renderText writes the human-readable listing the server returns for
// outputFormat=text.
func renderText(doc *document.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document: ID=%s (%d sentences, %d tokens)\n", doc.DocID, len(doc.Sentences), doc.TokenCount())
	for _, s := range doc.Sentences {
		fmt.Fprintf(&b, "\nSentence #%d (%d tokens):\n%s\n\nTokens:\n", s.Index+1, len(s.Tokens), document.SentenceText(s))
		for _, tok := range s.Tokens {
			fmt.Fprintf(&b, "[Text=%s CharacterOffsetBegin=%d CharacterOffsetEnd=%d", tok.Word, tok.CharacterOffsetBegin, tok.CharacterOffsetEnd)
			if tok.POS != "" {
				fmt.Fprintf(&b, " PartOfSpeech=%s", tok.POS)
			}
			if tok.Lemma != "" {
				fmt.Fprintf(&b, " Lemma=%s", tok.Lemma)
			}
			if tok.NER != "" {
				fmt.Fprintf(&b, " NamedEntityTag=%s", tok.NER)
			}
			b.WriteString("]\n")
		}
	}
	return b.String()
}

func renderConll(doc *document.Document) string {
	var b strings.Builder
	for i, s := range doc.Sentences {
		if i > 0 {
			b.WriteString("\n")
		}
		for _, tok := range s.Tokens {
			fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s\n", tok.Index, tok.Word, dash(tok.Lemma), dash(tok.POS), dash(tok.NER))
		}
	}
	return b.String()
}

func renderTagged(doc *document.Document) string {
	var b strings.Builder
	for _, s := range doc.Sentences {
		for i, tok := range s.Tokens {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(tok.Word)
			if tok.POS != "" {
				b.WriteString("_" + tok.POS)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func dash(v string) string {
	if v == "" {
		return "_"
	}
	return v
}

// matchTokens finds tokens whose word equals pattern, reported per sentence
// with token offsets.
func matchTokens(doc *document.Document, pattern string) []map[string]any {
	out := make([]map[string]any, 0, len(doc.Sentences))
	for _, s := range doc.Sentences {
		hits := map[string]any{}
		n := 0
		for i, tok := range s.Tokens {
			if tok.Word != pattern {
				continue
			}
			hits[fmt.Sprint(n)] = map[string]any{
				"text":  tok.Word,
				"begin": i,
				"end":   i + 1,
			}
			n++
		}
		hits["length"] = n
		out = append(out, hits)
	}
	return out
}
