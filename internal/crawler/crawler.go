package crawler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"scoperoute/internal/knowledge"
)

// Crawler walks a corpus laid out as <root>/<cube>/**/*.{md,txt}.
type Crawler struct {
	ignored []string
	cubes   map[string]bool
}

// ScanReport summarizes one corpus walk.
type ScanReport struct {
	Files    int
	Passages int
	// Skipped lists top-level directories that are not known cubes.
	Skipped []string
}

// NewCrawler creates a crawler that only ingests the given cubes.
// With no cubes every top-level directory is accepted.
func NewCrawler(cubes []string) *Crawler {
	c := &Crawler{
		ignored: []string{".git", "node_modules", ".cache"},
	}
	if len(cubes) > 0 {
		c.cubes = make(map[string]bool, len(cubes))
		for _, cube := range cubes {
			c.cubes[cube] = true
		}
	}
	return c
}

// ScanCorpus walks root and streams passages through onPassage, one cube
// directory at a time in lexical order.
func (c *Crawler) ScanCorpus(root string, onPassage func(knowledge.Passage)) (ScanReport, error) {
	var report ScanReport

	entries, err := os.ReadDir(root)
	if err != nil {
		return report, fmt.Errorf("failed to read corpus root: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() || c.isIgnored(entry.Name()) {
			continue
		}
		cube := entry.Name()
		if c.cubes != nil && !c.cubes[cube] {
			report.Skipped = append(report.Skipped, cube)
			continue
		}
		if err := c.scanCube(root, cube, onPassage, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (c *Crawler) scanCube(root, cube string, onPassage func(knowledge.Passage), report *ScanReport) error {
	return filepath.WalkDir(filepath.Join(root, cube), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if c.isIgnored(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if ext != ".md" && ext != ".markdown" && ext != ".txt" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		source, err := filepath.Rel(root, path)
		if err != nil {
			source = path
		}
		source = filepath.ToSlash(source)

		var passages []knowledge.Passage
		if ext == ".txt" {
			passages = SplitText(cube, source, strings.TrimSuffix(d.Name(), ext), string(content))
		} else {
			passages, err = SplitMarkdown(cube, source, string(content))
			if err != nil {
				return err
			}
		}

		report.Files++
		report.Passages += len(passages)
		for _, p := range passages {
			onPassage(p)
		}
		return nil
	})
}

func (c *Crawler) isIgnored(name string) bool {
	for _, ign := range c.ignored {
		if name == ign {
			return true
		}
	}
	return false
}
