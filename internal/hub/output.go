package hub

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sessionhub/sessionhub/pkg/types"
)

const (
	outputMaxLines = 30
	outputMaxChars = 2000
	truncationMark = "\n... (output truncated)"
)

// toolResult mirrors the shapes tool results commonly arrive in.
type toolResult struct {
	Text    string            `json:"text"`
	Output  string            `json:"output"`
	Stdout  string            `json:"stdout"`
	Stderr  string            `json:"stderr"`
	Content []toolContentItem `json:"content"`
}

type toolContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// extractToolResult turns an opaque tool result payload into a displayable
// string plus any embedded images. Preference order: a text/output field,
// combined stdout+stderr, an array of strings, content[].text, and finally
// a pretty-printed JSON dump.
func extractToolResult(result json.RawMessage) (string, []types.ImageData) {
	if len(result) == 0 {
		return "", nil
	}

	// Bare string result.
	var plain string
	if err := json.Unmarshal(result, &plain); err == nil {
		return plain, nil
	}

	// Array of strings.
	var lines []string
	if err := json.Unmarshal(result, &lines); err == nil {
		return strings.Join(lines, "\n"), nil
	}

	var structured toolResult
	if err := json.Unmarshal(result, &structured); err == nil {
		if structured.Text != "" {
			return structured.Text, nil
		}
		if structured.Output != "" {
			return structured.Output, nil
		}
		if structured.Stdout != "" || structured.Stderr != "" {
			combined := structured.Stdout
			if structured.Stderr != "" {
				if combined != "" {
					combined += "\n"
				}
				combined += structured.Stderr
			}
			return combined, nil
		}
		if len(structured.Content) > 0 {
			var sb strings.Builder
			var images []types.ImageData
			for _, item := range structured.Content {
				switch item.Type {
				case "text":
					if sb.Len() > 0 {
						sb.WriteByte('\n')
					}
					sb.WriteString(item.Text)
				case "image":
					images = append(images, types.ImageData{
						Source:   "tool",
						MimeType: item.MimeType,
						Data:     item.Data,
					})
				}
			}
			if sb.Len() > 0 || len(images) > 0 {
				return sb.String(), images
			}
		}
	}

	// Last resort: pretty-print whatever it is.
	var decoded any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return string(result), nil
	}
	pretty, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		return string(result), nil
	}
	return string(pretty), nil
}

// truncateOutput bounds a tool result to the line and character budgets,
// appending a truncation marker when it was cut.
func truncateOutput(s string) (string, bool) {
	truncated := false

	if lines := strings.Split(s, "\n"); len(lines) > outputMaxLines {
		s = strings.Join(lines[:outputMaxLines], "\n")
		truncated = true
	}
	if len(s) > outputMaxChars {
		s = cutAtRuneBoundary(s, outputMaxChars)
		truncated = true
	}
	if truncated {
		s += truncationMark
	}
	return s, truncated
}

// cutAtRuneBoundary cuts s at the byte budget, backing off so a multibyte
// rune is never split mid-sequence.
func cutAtRuneBoundary(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

// extractMarkdownImages strips markdown image syntax out of final prose,
// returning the cleaned text and one image event per reference.
func extractMarkdownImages(text string) (string, []types.ImageData) {
	matches := markdownImageRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	images := make([]types.ImageData, 0, len(matches))
	for _, m := range matches {
		images = append(images, types.ImageData{
			Source: "markdown",
			Alt:    m[1],
			URL:    m[2],
		})
	}

	cleaned := markdownImageRe.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(cleaned)
	return cleaned, images
}
