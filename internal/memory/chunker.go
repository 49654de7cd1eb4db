package memory

import (
	"fmt"
	"strings"
)

// MaxChunkSize bounds the byte length of a chunk's content. Sections larger
// than this are split into "(part n)" chunks along line boundaries.
const MaxChunkSize = 500

// Chunk is a bounded, section-scoped slice of a memory file. The vector
// index stores chunks keyed by ID; ordinals reset on every re-chunk.
type Chunk struct {
	ID      string
	File    string
	Section string
	Content string
}

// ChunkMarkdown splits a memory file into indexable chunks. Sections are
// delimited by #-prefixed header lines; whitespace-only bodies are dropped.
func ChunkMarkdown(content, file string) []Chunk {
	type section struct {
		name string
		body string
	}

	var sections []section
	var current []string
	name := "Introduction"

	flush := func() {
		body := strings.TrimSpace(strings.Join(current, "\n"))
		if body != "" {
			sections = append(sections, section{name: name, body: body})
		}
		current = nil
	}

	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			flush()
			name = strings.TrimSpace(strings.TrimLeft(line, "#"))
			continue
		}
		current = append(current, line)
	}
	flush()

	var chunks []Chunk
	ordinal := 0
	emit := func(sectionName, body string) {
		chunks = append(chunks, Chunk{
			ID:      fmt.Sprintf("%s_%d", file, ordinal),
			File:    file,
			Section: sectionName,
			Content: body,
		})
		ordinal++
	}

	for _, sec := range sections {
		if len(sec.body) <= MaxChunkSize {
			emit(sec.name, sec.body)
			continue
		}
		for i, part := range splitByLines(sec.body, MaxChunkSize) {
			emit(fmt.Sprintf("%s (part %d)", sec.name, i+1), part)
		}
	}
	return chunks
}

// splitByLines greedily packs lines into parts of at most limit bytes. A
// single line longer than the limit becomes its own part.
func splitByLines(body string, limit int) []string {
	var parts []string
	var buf []string
	size := 0

	for _, line := range strings.Split(body, "\n") {
		lineSize := len(line) + 1
		if size > 0 && size+lineSize > limit {
			parts = append(parts, strings.TrimSpace(strings.Join(buf, "\n")))
			buf = nil
			size = 0
		}
		buf = append(buf, line)
		size += lineSize
	}
	if part := strings.TrimSpace(strings.Join(buf, "\n")); part != "" {
		parts = append(parts, part)
	}

	// Drop any whitespace-only parts produced by blank-line runs
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
