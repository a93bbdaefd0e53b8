package crawler

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"scoperoute/internal/knowledge"
)

// passageNamespace seeds deterministic passage ids: re-ingesting a section
// overwrites its row.
var passageNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e8f-9a0b-1c2d3e4f5a6b")

// SplitMarkdown cuts a markdown document into one passage per heading section.
// Text before the first heading becomes an "Introduction" passage. Lines
// inside fenced code blocks never start a section.
func SplitMarkdown(cube, source, content string) ([]knowledge.Passage, error) {
	var passages []knowledge.Passage
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	title := "Introduction"
	var buf strings.Builder

	flush := func() {
		text := strings.TrimSpace(buf.String())
		buf.Reset()
		if text == "" {
			return
		}
		passages = append(passages, newPassage(cube, source, title, text, len(passages)))
	}

	fence := ""
	for scanner.Scan() {
		line := scanner.Text()
		if marker := fenceMarker(line); marker != "" {
			switch {
			case fence == "":
				fence = marker
			case strings.HasPrefix(marker, fence):
				fence = ""
			}
		} else if fence == "" {
			if heading, ok := parseHeading(line); ok {
				flush()
				title = heading
			}
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("split %s: %w", source, err)
	}
	flush()

	return passages, nil
}

// fenceMarker returns the run of backticks or tildes opening a code fence.
func fenceMarker(line string) string {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 || len(trimmed) < 3 {
		return ""
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return ""
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return ""
	}
	return trimmed[:n]
}

// SplitText keeps a plain-text document as a single passage titled after the file.
func SplitText(cube, source, title, content string) []knowledge.Passage {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}
	return []knowledge.Passage{newPassage(cube, source, title, text, 0)}
}

func parseHeading(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 || len(trimmed) <= level || trimmed[level] != ' ' {
		return "", false
	}
	return strings.TrimSpace(trimmed[level:]), true
}

func newPassage(cube, source, title, text string, index int) knowledge.Passage {
	key := cube + "\x00" + source + "\x00" + strconv.Itoa(index)
	return knowledge.Passage{
		ID:     uuid.NewSHA1(passageNamespace, []byte(key)).String(),
		Cube:   cube,
		Source: source,
		Title:  title,
		Text:   text,
	}
}
