// Package transcript renders a session as a plain-text export.
package transcript

import (
	"strconv"
	"strings"

	"github.com/tessiv/livedesk/internal/domain"
)

const timeLayout = "2006-01-02 15:04:05"

// Render produces the plain-text transcript: a header block followed by
// one line per message in store order.
func Render(sess domain.Session) string {
	var b strings.Builder

	b.WriteString("Chat Session Export\n")
	b.WriteString("===================\n")
	b.WriteString("Customer: " + customerName(sess) + "\n")
	b.WriteString("Admin: " + adminName(sess) + "\n")
	b.WriteString("Started: " + sess.CreatedAt.Format(timeLayout) + "\n")
	b.WriteString("Ended: " + endedAt(sess) + "\n")
	b.WriteString("Messages: " + strconv.Itoa(len(sess.Messages)) + "\n\n")

	for _, msg := range sess.Messages {
		b.WriteString("[" + msg.Timestamp.Format(timeLayout) + "] " + msg.User + ": " + msg.Message + "\n")
	}
	return b.String()
}

// Filename suggests an export file name for a session.
func Filename(sess domain.Session) string {
	name := customerName(sess)
	name = strings.ReplaceAll(name, " ", "-")
	return "chat-session-" + name + "-" + sess.CreatedAt.Format("2006-01-02") + ".txt"
}

func customerName(sess domain.Session) string {
	if sess.Customer != nil && sess.Customer.Name != "" {
		return sess.Customer.Name
	}
	return "Unknown"
}

func adminName(sess domain.Session) string {
	if sess.Admin != nil && sess.Admin.Name != "" {
		return sess.Admin.Name
	}
	return "No Admin"
}

func endedAt(sess domain.Session) string {
	if sess.ClosedAt == nil {
		return "Unknown"
	}
	return sess.ClosedAt.Format(timeLayout)
}
