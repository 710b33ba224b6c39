// Package render turns a campaign and a ledger entry into a personalized message.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/campaign-sendqueue/internal/mailer"
	"github.com/campaign-sendqueue/internal/models"
)

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s<>"']+`)
	paragraphBreak   = regexp.MustCompile(`\n\s*\n`)
	trailingPunct    = ".,;:!?)"
	placeholderNames = []string{"name", "first_name", "email", "company", "sender_name", "sender_email", "unsubscribe_url"}
)

// Renderer personalizes campaign content
type Renderer struct {
	baseURL string // public URL of the tracking and unsubscribe endpoints, empty disables both
}

// NewRenderer creates a renderer. baseURL may be empty.
func NewRenderer(baseURL string) *Renderer {
	return &Renderer{baseURL: strings.TrimRight(baseURL, "/")}
}

// Placeholders returns the substitution keys supported in subjects and bodies
func Placeholders() []string {
	return append([]string(nil), placeholderNames...)
}

// Render builds the message for one recipient
func (r *Renderer) Render(c *models.Campaign, rcpt *models.Recipient) *mailer.Message {
	values := r.values(c, rcpt)

	var body string
	if strings.TrimSpace(c.HTMLTemplate) != "" {
		body = substitute(c.HTMLTemplate, values, html.EscapeString)
	} else {
		var b strings.Builder
		for _, part := range []string{c.Greeting, c.Body, c.Signature} {
			if strings.TrimSpace(part) == "" {
				continue
			}
			b.WriteString(TextToHTML(substitute(part, values, nil)))
		}
		body = b.String()
	}

	headers := map[string]string{}
	if r.baseURL != "" {
		body += fmt.Sprintf(`<img src="%s/track/open/%s" width="1" height="1" alt="" style="display:none">`,
			r.baseURL, html.EscapeString(rcpt.TrackingID))
		headers["List-Unsubscribe"] = "<" + values["unsubscribe_url"] + ">"
	}

	msg := &mailer.Message{
		To:          rcpt.Email,
		Subject:     substitute(c.Subject, values, nil),
		HTMLBody:    body,
		SenderName:  c.SenderName,
		SenderEmail: c.SenderEmail,
		Headers:     headers,
	}
	for _, a := range c.Attachments {
		msg.Attachments = append(msg.Attachments, mailer.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Path:        a.Path,
		})
	}
	return msg
}

func (r *Renderer) values(c *models.Campaign, rcpt *models.Recipient) map[string]string {
	name := strings.TrimSpace(rcpt.Name)
	first := name
	if i := strings.IndexAny(name, " \t"); i > 0 {
		first = name[:i]
	}
	unsubscribe := ""
	if r.baseURL != "" && rcpt.UnsubscribeToken != "" {
		unsubscribe = r.baseURL + "/unsubscribe/" + rcpt.UnsubscribeToken
	}
	return map[string]string{
		"name":            name,
		"first_name":      first,
		"email":           rcpt.Email,
		"company":         rcpt.Company,
		"sender_name":     c.SenderName,
		"sender_email":    c.SenderEmail,
		"unsubscribe_url": unsubscribe,
	}
}

// substitute replaces {{key}} placeholders; escape, when set, is applied to each value
func substitute(text string, values map[string]string, escape func(string) string) string {
	pairs := make([]string, 0, 2*len(values))
	for _, key := range placeholderNames {
		v := values[key]
		if escape != nil {
			v = escape(v)
		}
		pairs = append(pairs, "{{"+key+"}}", v, "{{ "+key+" }}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// TextToHTML converts plain text into escaped HTML paragraphs with clickable URLs.
// Blank lines separate paragraphs; single newlines become line breaks.
func TextToHTML(text string) string {
	text = strings.ReplaceAll(strings.TrimSpace(text), "\r\n", "\n")
	if text == "" {
		return ""
	}

	var b strings.Builder
	for _, para := range paragraphBreak.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		for i, line := range lines {
			lines[i] = Linkify(line)
		}
		b.WriteString("<p>")
		b.WriteString(strings.Join(lines, "<br>\n"))
		b.WriteString("</p>\n")
	}
	return b.String()
}

// Linkify escapes a line of plain text and wraps bare http(s) URLs in anchors
func Linkify(line string) string {
	var b strings.Builder
	last := 0
	for _, loc := range urlPattern.FindAllStringIndex(line, -1) {
		start, end := loc[0], loc[1]
		for end > start && strings.ContainsRune(trailingPunct, rune(line[end-1])) {
			end--
		}
		b.WriteString(html.EscapeString(line[last:start]))
		u := html.EscapeString(line[start:end])
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, u, u)
		last = end
	}
	b.WriteString(html.EscapeString(line[last:]))
	return b.String()
}
