package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"

	"github.com/dukerupert/notifier/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

// orderConfirmationData is the view model for the order confirmation layout.
type orderConfirmationData struct {
	Subject string
	Lines   []string
}

// TemplateFormatter renders raw order content into the order confirmation
// HTML layout. Content is escaped by html/template.
type TemplateFormatter struct {
	tmpl *template.Template
}

// NewTemplateFormatter parses the embedded email templates.
func NewTemplateFormatter() (*TemplateFormatter, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &TemplateFormatter{tmpl: tmpl}, nil
}

// Render implements Formatter.
func (f *TemplateFormatter) Render(content string) (string, error) {
	data := orderConfirmationData{
		Subject: domain.OrderConfirmationSubject,
		Lines:   splitLines(content),
	}

	var buf bytes.Buffer
	if err := f.tmpl.ExecuteTemplate(&buf, "email_layout", data); err != nil {
		return "", fmt.Errorf("failed to execute order confirmation template: %w", err)
	}
	return buf.String(), nil
}

func splitLines(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// generatePlainText creates a simple plain text version from HTML
func generatePlainText(html string) string {
	text := html

	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n\n")
	text = strings.ReplaceAll(text, "</div>", "\n")
	text = strings.ReplaceAll(text, "</h1>", "\n\n")
	text = strings.ReplaceAll(text, "</h2>", "\n\n")
	text = strings.ReplaceAll(text, "</h3>", "\n\n")
	text = strings.ReplaceAll(text, "</title>", "\n")

	// Drop the head so the title and meta tags don't leak into the body
	if start := strings.Index(text, "<head>"); start >= 0 {
		if end := strings.Index(text, "</head>"); end > start {
			text = text[:start] + text[end+len("</head>"):]
		}
	}

	for strings.Contains(text, "<") && strings.Contains(text, ">") {
		start := strings.Index(text, "<")
		end := strings.Index(text, ">")
		if start >= 0 && end > start {
			text = text[:start] + text[end+1:]
		} else {
			break
		}
	}

	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.ReplaceAll(text, "&#34;", "\"")
	text = strings.ReplaceAll(text, "&#39;", "'")

	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}

	return strings.Join(cleaned, "\n")
}

// PlainText returns the plain text alternative for a rendered HTML body.
func PlainText(html string) string {
	return generatePlainText(html)
}
