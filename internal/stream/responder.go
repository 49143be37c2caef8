// Package stream builds synthetic replies and writes them out as paced
// content chunks framed by stream-start and stream-end events.
package stream

import (
	"fmt"
	"sort"
	"strings"
)

// Profile names a response template.
type Profile string

const (
	ProfilePlain    Profile = "plain"
	ProfileMarkdown Profile = "markdown"
)

const DefaultChunkSize = 3

var templates = map[Profile]func(message string) string{
	ProfilePlain: func(message string) string {
		return `Thank you for your message: "` + message + `". This is a simulated streaming response.`
	},
	ProfileMarkdown: markdownReply,
}

// Profiles lists the known profile names in sorted order.
func Profiles() []string {
	names := make([]string, 0, len(templates))
	for p := range templates {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// ValidProfile reports whether name is a known profile.
func ValidProfile(name string) bool {
	_, ok := templates[Profile(name)]
	return ok
}

// Synthesize interpolates message verbatim into the profile's template.
func Synthesize(profile Profile, message string) (string, error) {
	tmpl, ok := templates[profile]
	if !ok {
		return "", fmt.Errorf("unknown response profile %q", profile)
	}
	return tmpl(message), nil
}

func markdownReply(message string) string {
	var sb strings.Builder
	sb.WriteString(`Here's a markdown formatted response to your message: "` + message + "\"\n\n")
	sb.WriteString("## Features Demonstrated\n\n")
	sb.WriteString("1. **Bold text** and *italic text*\n")
	sb.WriteString("2. `Inline code` formatting\n")
	sb.WriteString("3. Lists (like this one!)\n\n")
	sb.WriteString("### Code Block Example\n")
	sb.WriteString("```javascript\n")
	sb.WriteString("function greet(name) {\n")
	sb.WriteString("  return `Hello, ${name}!`;\n")
	sb.WriteString("}\n")
	sb.WriteString("```\n\n")
	sb.WriteString("> This is a blockquote showing markdown capabilities.\n\n")
	sb.WriteString("You can also add [links](https://example.com) and other markdown features.")
	return sb.String()
}

// Chunk splits text left to right into pieces of size characters (runes).
// Only the last piece may be shorter. An empty text yields no chunks.
func Chunk(text string, size int) []string {
	if size < 1 {
		size = DefaultChunkSize
	}
	var chunks []string
	start, runes := 0, 0
	for i := range text {
		if runes == size {
			chunks = append(chunks, text[start:i])
			start, runes = i, 0
		}
		runes++
	}
	if start < len(text) {
		chunks = append(chunks, text[start:])
	}
	return chunks
}
