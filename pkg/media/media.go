// Package media describes the attachments carried on an IMMessage and the
// deterministic text encodings used to pass them between the Multiplexer,
// the AgentRunner prompt, and a skill's media markers back out to
// Transport. Kept dependency-free so it can be imported from bus,
// multiplexer, agent, and transport without cycles.
package media

import (
	"fmt"
	"regexp"
	"strings"
)

// Attachment is one inbound media item on an IMMessage (spec §3).
type Attachment struct {
	Type      string  `json:"type"` // "image", "video", "audio", "file"
	LocalPath string  `json:"local_path"`
	Name      string  `json:"name,omitempty"`
	MIME      string  `json:"mime,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	Width     int     `json:"width,omitempty"`
	Height    int     `json:"height,omitempty"`
	DurationS float64 `json:"duration_s,omitempty"`
}

// FormatBlock renders the deterministic "[附件信息]" block appended to the
// prompt when attachments are present (spec §6). Returns "" for an empty
// slice so callers can unconditionally append the result.
func FormatBlock(attachments []Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[附件信息]\n")
	for _, a := range attachments {
		b.WriteString(fmt.Sprintf("- 类型: %s, 路径: %s", a.Type, a.LocalPath))
		if a.Name != "" {
			b.WriteString(fmt.Sprintf(", 文件名: %s", a.Name))
		}
		if a.MIME != "" {
			b.WriteString(fmt.Sprintf(", MIME: %s", a.MIME))
		}
		if a.Width > 0 && a.Height > 0 {
			b.WriteString(fmt.Sprintf(", 尺寸: %dx%d", a.Width, a.Height))
		}
		if a.DurationS > 0 {
			b.WriteString(fmt.Sprintf(", 时长: %.0fs", a.DurationS))
		}
		if a.SizeBytes > 0 {
			b.WriteString(fmt.Sprintf(", 大小: %.2fKB", float64(a.SizeBytes)/1024))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// markerRe matches a skill-emitted media marker of the form
// [[media:/absolute/or/~/path/to/file.png]] inside an assistant reply.
// Transport's reply closure expands these into uploaded attachments and
// strips them from the remaining text (spec §6).
var markerRe = regexp.MustCompile(`\[\[media:([^\]]+)\]\]`)

// ExtractMarkers returns the referenced paths and the text with markers
// removed, in order of appearance.
func ExtractMarkers(text string) (paths []string, stripped string) {
	matches := markerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil, text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		pathStart, pathEnd := m[2], m[3]
		b.WriteString(text[last:start])
		paths = append(paths, text[pathStart:pathEnd])
		last = end
	}
	b.WriteString(text[last:])
	return paths, strings.TrimSpace(b.String())
}
