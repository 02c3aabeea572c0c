package rules

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Subject is the part of an inbound message a rule is evaluated against.
type Subject struct {
	MessageID int64
	ChatTitle string
	FileName  string
	Size      int64
	Text      string
}

// Match reports whether the subject satisfies every filter of the rule.
// Disabled rules never match.
func Match(rule Rule, s Subject) bool {
	if !rule.Enabled {
		return false
	}

	if allowed := splitList(rule.IncludeExtensions); len(allowed) > 0 {
		ext := extension(s.FileName)
		if ext == "" || !contains(allowed, ext) {
			return false
		}
	}

	if rule.MinSizeBytes > 0 && s.Size < rule.MinSizeBytes {
		return false
	}

	if rule.MaxSizeBytes > 0 && s.Size > rule.MaxSizeBytes {
		return false
	}

	haystack := strings.ToLower(s.FileName + " " + s.Text)

	switch rule.MatchMode {
	case MatchInclude:
		keywords := splitList(rule.IncludeKeywords)
		if len(keywords) > 0 && !containsAny(haystack, keywords) {
			return false
		}
	case MatchExclude:
		keywords := splitList(rule.ExcludeKeywords)
		if containsAny(haystack, keywords) {
			return false
		}
	}

	return true
}

// RenderFileName expands the rule's filename template for the subject. The
// original extension is appended when the template dropped it.
func RenderFileName(rule Rule, s Subject, now time.Time) string {
	tmpl := rule.FilenameTemplate
	if tmpl == "" {
		tmpl = DefaultFilenameTemplate
	}

	fileName := s.FileName
	if fileName == "" {
		fileName = "file_" + strconv.FormatInt(s.MessageID, 10)
	}

	name := strings.NewReplacer(
		"{message_id}", strconv.FormatInt(s.MessageID, 10),
		"{chat_title}", SanitizeFileName(s.ChatTitle),
		"{timestamp}", strconv.FormatInt(now.Unix(), 10),
		"{file_name}", fileName,
	).Replace(tmpl)

	if ext := filepath.Ext(fileName); ext != "" && filepath.Ext(name) == "" {
		name += ext
	}

	return SanitizeFileName(name)
}

// SanitizeFileName strips path separators so a name can't escape its directory.
func SanitizeFileName(name string) string {
	name = strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(strings.TrimSpace(name))

	switch name {
	case "", ".", "..":
		return "unnamed"
	}

	return name
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func splitList(raw string) []string {
	var out []string

	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		item = strings.TrimPrefix(item, ".")

		if item != "" {
			out = append(out, item)
		}
	}

	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}

func containsAny(haystack string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}

	return false
}
