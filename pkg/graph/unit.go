package graph

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/dygrag/internal/util"
	"github.com/OFFIS-RIT/dygrag/pkg/ai"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
)

// ChunkID derives the id of a chunk from its document and content.
func ChunkID(docID, content string) string {
	return util.HashID("chunk-", docID, content)
}

// DocumentID derives a document id from its content when none is given.
func DocumentID(doc common.Document) string {
	if doc.ID != "" {
		return doc.ID
	}
	return util.HashID("doc-", doc.Content)
}

// chunkDocument splits doc into chunks of at most maxTokens tokens. Chunks
// end on sentence boundaries; a sentence longer than maxTokens is cut into
// token windows.
func chunkDocument(doc common.Document, tok ai.Tokenizer, maxTokens int) []common.TextChunk {
	text := strings.TrimSpace(util.CleanText(doc.Content))
	if text == "" {
		return nil
	}

	var pieces []string
	for _, s := range splitIntoSentences(text) {
		if ai.CountTokens(tok, s) <= maxTokens {
			pieces = append(pieces, s)
			continue
		}
		tokens := tok.Encode(s)
		for start := 0; start < len(tokens); start += maxTokens {
			end := min(start+maxTokens, len(tokens))
			if part := strings.TrimSpace(tok.Decode(tokens[start:end])); part != "" {
				pieces = append(pieces, part)
			}
		}
	}

	docID := DocumentID(doc)
	var chunks []common.TextChunk
	chunkStart := -1
	chunkEnd := -1
	join := func(from, to int) string {
		return strings.TrimSpace(strings.Join(pieces[from:to], " "))
	}

	flushChunk := func() {
		if chunkStart < 0 || chunkEnd <= chunkStart {
			return
		}
		content := join(chunkStart, chunkEnd)
		chunks = append(chunks, common.TextChunk{
			ID:              ChunkID(docID, content),
			Tokens:          ai.CountTokens(tok, content),
			Content:         content,
			FullDocID:       docID,
			ChunkOrderIndex: len(chunks),
			DocTitle:        doc.Title,
		})
		chunkStart = -1
		chunkEnd = -1
	}

	for i := range pieces {
		if chunkStart < 0 {
			chunkStart = i
			chunkEnd = i + 1
			continue
		}

		if ai.CountTokens(tok, join(chunkStart, i+1)) <= maxTokens {
			chunkEnd = i + 1
		} else {
			flushChunk()
			chunkStart = i
			chunkEnd = i + 1
		}
	}
	flushChunk()

	return chunks
}

var tableDelimRe = regexp.MustCompile(`^\s*\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)+\|?\s*$`)

// isSentenceEnd ignores closing quotes and brackets after the terminator.
func isSentenceEnd(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), `"')]}`)
	return strings.HasSuffix(s, ".") || strings.HasSuffix(s, "!") || strings.HasSuffix(s, "?")
}

// splitIntoSentences splits text into sentences. Markdown tables stay
// together and blank lines end a sentence.
func splitIntoSentences(text string) []string {
	lines := strings.Split(text, "\n")
	var sentences []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	addLine := func(trimmed string) {
		for _, sentence := range splitLineIntoSentences(trimmed) {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)
			if isSentenceEnd(sentence) {
				flush()
			}
		}
	}
	isTableRow := func(line string) bool {
		trimmed := strings.TrimSpace(line)
		return trimmed != "" && strings.Contains(trimmed, "|")
	}

	inTable := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case !inTable && isTableRow(line) && i+1 < len(lines) && tableDelimRe.MatchString(strings.TrimSpace(lines[i+1])):
			flush()
			inTable = true
			current.WriteString(line)
		case !inTable && isTableRow(line):
			flush()
			sentences = append(sentences, trimmed)
		case inTable && (trimmed == "" || !isTableRow(line)):
			inTable = false
			flush()
			if trimmed != "" {
				addLine(trimmed)
			}
		case inTable:
			current.WriteString("\n")
			current.WriteString(line)
		case trimmed == "":
			flush()
		default:
			addLine(trimmed)
		}
	}
	flush()

	var result []string
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) != "" {
			result = append(result, sentence)
		}
	}
	return result
}

func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] != '.' && line[i] != '!' && line[i] != '?' {
			continue
		}
		// "1. First item" is a listing, not a sentence end.
		if i > 0 && unicode.IsDigit(rune(line[i-1])) && i+1 < len(line) && line[i+1] == ' ' {
			continue
		}

		j := i + 1
		for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
			current.WriteByte(line[j])
			j++
		}
		for j < len(line) && strings.ContainsRune(`"')]}`, rune(line[j])) {
			current.WriteByte(line[j])
			j++
		}

		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
		i = j - 1
	}

	if remaining := strings.TrimSpace(current.String()); remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}
