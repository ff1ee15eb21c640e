// Package templates renders the HTML emails sent by workflows.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"
)

//go:embed mail/*.html
var mailFS embed.FS

// Template names.
const (
	ConnectionRequest  = "connection_request"
	ConnectionReminder = "connection_reminder"
	UnseenDigest       = "unseen_digest"
)

var subjects = map[string]string{
	ConnectionRequest:  "New Connection Request",
	ConnectionReminder: "New Connection Request",
	UnseenDigest:       "You have unseen messages",
}

// Mail is a rendered email.
type Mail struct {
	Subject string
	Body    string
}

// ConnectionData feeds the connection request and reminder templates.
type ConnectionData struct {
	RecipientName string
	SenderName    string
	SenderHandle  string
	FrontendURL   string
}

// DigestData feeds the unseen-messages digest.
type DigestData struct {
	RecipientName string
	UnseenCount   int
	FrontendURL   string
}

var (
	loadOnce sync.Once
	parsed   *template.Template
	loadErr  error
)

func load() (*template.Template, error) {
	loadOnce.Do(func() {
		parsed, loadErr = template.ParseFS(mailFS, "mail/*.html")
	})
	return parsed, loadErr
}

// Render executes the named template.
func Render(name string, data any) (Mail, error) {
	tpl, err := load()
	if err != nil {
		return Mail{}, fmt.Errorf("parse mail templates: %w", err)
	}
	subject, ok := subjects[name]
	if !ok {
		return Mail{}, fmt.Errorf("unknown mail template %q", name)
	}
	var buf bytes.Buffer
	if err := tpl.ExecuteTemplate(&buf, name+".html", data); err != nil {
		return Mail{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Mail{Subject: subject, Body: buf.String()}, nil
}
