// Package utils provides helpers shared by the glow-tts commands.
package utils

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/go-homedir"
)

var frontmatterBoundaries = regexp.MustCompile(`(?m)^---\r?\n`)

// RemoveFrontmatter removes the YAML front matter from markdown content.
func RemoveFrontmatter(content []byte) []byte {
	if frontmatterBoundaries.Match(content) && frontmatterBoundaries.FindIndex(content)[0] == 0 {
		bounds := frontmatterBoundaries.FindAllIndex(content, 2)
		if len(bounds) < 2 {
			return content
		}
		return content[bounds[1][1]:]
	}
	return content
}

// ExpandPath expands tilde and all environment variables from the given path.
func ExpandPath(path string) string {
	s, err := homedir.Expand(path)
	if err == nil {
		return os.ExpandEnv(s)
	}
	return os.ExpandEnv(path)
}

// IsMarkdownFile returns whether the filename has a markdown extension.
func IsMarkdownFile(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		// By default, assume it's a markdown file.
		return true
	}

	switch ext {
	case ".md", ".mdown", ".mkdn", ".mkd", ".markdown", ".txt":
		return true
	default:
		return false
	}
}
