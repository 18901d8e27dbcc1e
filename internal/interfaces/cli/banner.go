package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/charmbracelet/lipgloss"
)

const appVersion = "0.3.0"

// brand colors
var (
	colorCyan    = lipgloss.Color("#00D7FF")
	colorDimCyan = lipgloss.Color("#00AFAF")
	colorGray    = lipgloss.Color("#6C6C6C")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#4E4E4E")
	colorGreen   = lipgloss.Color("#00FF87")
	colorYellow  = lipgloss.Color("#FFD75F")
)

// Logo 使用块状字体, 避免盒绘角字符
var logoLines = []string{
	"  ██████  ██      ███    ███      ██████   █████  ████████ ███████",
	" ██       ██      ████  ████     ██       ██   ██    ██    ██     ",
	" ██   ███ ██      ██ ████ ██     ██   ███ ███████    ██    █████  ",
	" ██    ██ ██      ██  ██  ██     ██    ██ ██   ██    ██    ██     ",
	"  ██████  ███████ ██      ██      ██████  ██   ██    ██    ███████",
}

// Gradient colors top→bottom (cyan → blue → violet)
var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#00CFFF"),
	lipgloss.Color("#009FFF"),
	lipgloss.Color("#006FFF"),
	lipgloss.Color("#5F5FFF"),
}

// BannerInfo carries dynamic stats shown in the welcome banner
type BannerInfo struct {
	Model    string
	BaseURL  string
	ChatID   string
	Thinking bool
}

// RenderBanner returns the styled welcome banner with gradient logo
func RenderBanner(info BannerInfo, width int) string {
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	tipStyle := lipgloss.NewStyle().Foreground(colorDim)
	greenStyle := lipgloss.NewStyle().Foreground(colorGreen)
	versionStyle := lipgloss.NewStyle().Foreground(colorDimCyan)

	// Render gradient logo
	var logo string
	if width >= 70 {
		for i, line := range logoLines {
			c := logoGradient[i%len(logoGradient)]
			logo += lipgloss.NewStyle().Foreground(c).Bold(true).Render(line) + "\n"
		}
	} else {
		// Compact fallback
		logo = lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render(" ◇  G L M  G A T E") + "\n"
	}

	ver := versionStyle.Render(fmt.Sprintf("  v%s", appVersion))

	modelLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Model   "),
		valueStyle.Render(info.Model),
	)
	upstreamLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Upstream"),
		valueStyle.Render(info.BaseURL),
	)

	thinking := "off"
	thinkStyle := labelStyle
	if info.Thinking {
		thinking = "on"
		thinkStyle = greenStyle
	}
	thinkLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Thinking"),
		thinkStyle.Render(thinking),
	)

	chat := info.ChatID
	if chat == "" {
		chat = "new chat on first message"
	}
	chatLine := fmt.Sprintf("  %s %s",
		labelStyle.Render("Chat    "),
		labelStyle.Render(chat),
	)
	envLine := fmt.Sprintf("  %s %s/%s",
		labelStyle.Render("Env     "),
		labelStyle.Render(runtime.GOOS),
		labelStyle.Render(runtime.GOARCH),
	)

	tips := tipStyle.Render("  Enter 提问 · /help 命令 · Ctrl+C 中断")

	return fmt.Sprintf("\n%s%s\n\n%s\n%s\n%s\n%s\n%s\n\n%s\n",
		logo, ver,
		modelLine, upstreamLine, thinkLine, chatLine, envLine,
		tips,
	)
}

// hasTTY reports whether stdout is a terminal worth styling.
func hasTTY() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
