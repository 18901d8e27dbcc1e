package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/glmgate/glmgate/internal/infrastructure/upstream"
)

// Renderer handles all output rendering: markdown answers, thinking, tables
type Renderer struct {
	glamour *glamour.TermRenderer
	width   int
}

// DefaultRenderer builds a renderer sized to the current terminal
func DefaultRenderer() *Renderer {
	return NewRenderer(termWidth())
}

// NewRenderer creates a renderer with the given terminal width
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{
		glamour: r,
		width:   width,
	}
}

// RenderMarkdown renders markdown text to styled terminal output
func (r *Renderer) RenderMarkdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// RenderThinking renders one reasoning fragment in dim italic
func (r *Renderer) RenderThinking(text string) string {
	style := lipgloss.NewStyle().Foreground(colorDim).Italic(true)
	return style.Render(text)
}

// RenderChatsTable renders upstream chats as an aligned two-column table
func (r *Renderer) RenderChatsTable(chats []upstream.Chat) string {
	if len(chats) == 0 {
		return lipgloss.NewStyle().Foreground(colorGray).Render("  (no chats)")
	}

	headStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	idStyle := lipgloss.NewStyle().Foreground(colorDimCyan)
	titleStyle := lipgloss.NewStyle().Foreground(colorWhite)
	timeStyle := lipgloss.NewStyle().Foreground(colorGray)

	sorted := make([]upstream.Chat, len(chats))
	copy(sorted, chats)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})

	titleW := r.width - 36 - 18
	if titleW < 16 {
		titleW = 16
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %s  %s  %s\n",
		headStyle.Render(pad("ID", 36)),
		headStyle.Render(pad("TITLE", titleW)),
		headStyle.Render("UPDATED"),
	))
	for _, c := range sorted {
		sb.WriteString(fmt.Sprintf("  %s  %s  %s\n",
			idStyle.Render(pad(c.ID, 36)),
			titleStyle.Render(pad(truncate(c.Title, titleW), titleW)),
			timeStyle.Render(fmtUnix(c.UpdatedAt)),
		))
	}
	return sb.String()
}

// RenderIdentity renders the whoami probe result
func (r *Renderer) RenderIdentity(settings map[string]any) string {
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)

	var sb strings.Builder
	for _, key := range []string{"name", "email", "role", "id"} {
		v, ok := settings[key]
		if !ok {
			continue
		}
		sb.WriteString(fmt.Sprintf("  %s %s\n",
			labelStyle.Render(pad(key, 6)),
			valueStyle.Render(fmt.Sprintf("%v", v)),
		))
	}
	if sb.Len() == 0 {
		return labelStyle.Render("  (no identity fields returned)")
	}
	return sb.String()
}

func pad(s string, w int) string {
	r := []rune(s)
	if len(r) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(r))
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

func fmtUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	// 上游秒级时间戳，偶发毫秒级也兼容
	if ts > 1e12 {
		ts /= 1000
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04")
}
