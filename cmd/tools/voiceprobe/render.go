package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	model "github.com/zhouzirui/voice-storefront/client/internal/model/conversation"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Padding(0, 1)

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	productStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			MarginLeft(2)
)

func renderHeader(w io.Writer, snap model.Snapshot) {
	fmt.Fprintln(w, headerStyle.Render("Storefront assistant"))
	fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("session %s · %s · voice %s", snap.SessionID, snap.Connection, snap.Voice)))
	fmt.Fprintln(w)
}

func renderTranscript(w io.Writer, snap model.Snapshot) {
	for _, msg := range snap.Transcript {
		if out := renderMessage(msg); out != "" {
			fmt.Fprintln(w, out)
		}
	}
}

// renderMessage 渲染单条转录，进行中的条目显示为占位符
func renderMessage(msg model.Message) string {
	var b strings.Builder
	stamp := msg.Timestamp.Format("15:04:05")

	switch {
	case msg.Error:
		b.WriteString(errorStyle.Render("! " + msg.Content))
	case msg.Role == model.RoleUser:
		label := "You"
		if msg.Mode == model.ModeVoice {
			label = "You (voice)"
		}
		content := msg.Content
		if !msg.Complete {
			content = "…listening"
		}
		b.WriteString(userStyle.Render(label) + " " + metaStyle.Render(stamp) + "\n  " + content)
	case msg.Role == model.RoleAssistant:
		content := msg.Content
		if !msg.Complete {
			content = "…thinking"
		}
		b.WriteString(assistantStyle.Render("Assistant") + " " + metaStyle.Render(stamp) + "\n  " + content)
	default:
		if msg.Content != "" {
			b.WriteString(systemStyle.Render(msg.Content))
		}
	}

	for _, p := range msg.Products {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(renderProduct(p))
	}
	return b.String()
}

func renderProduct(p model.Product) string {
	lines := []string{fmt.Sprintf("%s  $%.2f", p.Name, p.Price)}
	var details []string
	for _, d := range []string{p.Color, p.Size, p.Category} {
		if d != "" {
			details = append(details, d)
		}
	}
	if len(details) > 0 {
		lines = append(lines, strings.Join(details, " / "))
	}
	if p.ID != "" {
		lines = append(lines, metaStyle.Render("id "+p.ID))
	}
	return productStyle.Render(strings.Join(lines, "\n"))
}
