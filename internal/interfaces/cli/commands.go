package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SlashCommand represents a parsed slash command
type SlashCommand struct {
	Name string
	Args []string
}

// ParseSlashCommand parses a slash command from user input
func ParseSlashCommand(input string) *SlashCommand {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return nil
	}

	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &SlashCommand{Name: name, Args: args}
}

// CommandResult is the output of executing a slash command
type CommandResult struct {
	Output      string
	IsQuit      bool
	IsReset     bool
	SetThinking *bool
}

// ExecuteCommand handles slash commands and returns the result
func ExecuteCommand(cmd *SlashCommand, model, chatID string, thinking bool) CommandResult {
	switch cmd.Name {
	case "help", "h":
		return CommandResult{Output: renderHelp()}
	case "exit", "quit", "q":
		return CommandResult{IsQuit: true}
	case "new", "reset":
		return CommandResult{Output: "🔄 已开启新会话", IsReset: true}
	case "status", "s":
		return CommandResult{Output: renderStatus(model, chatID, thinking)}
	case "thinking", "think":
		if len(cmd.Args) == 0 {
			state := "off"
			if thinking {
				state = "on"
			}
			return CommandResult{Output: fmt.Sprintf("🧠 思考模式: %s\n用法: /thinking on|off", state)}
		}
		switch strings.ToLower(cmd.Args[0]) {
		case "on", "true", "1":
			on := true
			return CommandResult{Output: "🧠 思考模式: on", SetThinking: &on}
		case "off", "false", "0":
			off := false
			return CommandResult{Output: "🧠 思考模式: off", SetThinking: &off}
		default:
			return CommandResult{Output: "用法: /thinking on|off"}
		}
	case "version":
		return CommandResult{Output: fmt.Sprintf("glm v%s", appVersion)}
	default:
		return CommandResult{Output: fmt.Sprintf("未知命令: /%s  输入 /help 查看可用命令", cmd.Name)}
	}
}

func renderHelp() string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	cmdStyle := lipgloss.NewStyle().Foreground(colorGreen)
	descStyle := lipgloss.NewStyle().Foreground(colorGray)

	cmds := []struct {
		name string
		desc string
	}{
		{"/help", "显示此帮助"},
		{"/new", "开启新会话 (下一条消息创建新 chat)"},
		{"/status", "当前状态"},
		{"/thinking on|off", "思考模式开关"},
		{"/version", "版本信息"},
		{"/exit", "退出"},
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ 可用命令"))
	sb.WriteString("\n\n")

	for _, c := range cmds {
		sb.WriteString(fmt.Sprintf("  %s  %s\n",
			cmdStyle.Render(fmt.Sprintf("%-18s", c.name)),
			descStyle.Render(c.desc),
		))
	}

	return sb.String()
}

func renderStatus(model, chatID string, thinking bool) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)

	think := "off"
	if thinking {
		think = "on"
	}
	chat := chatID
	if chat == "" {
		chat = "(尚未创建)"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ 当前状态"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("模型:"), valueStyle.Render(model)))
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("会话:"), valueStyle.Render(chat)))
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("思考:"), valueStyle.Render(think)))

	return sb.String()
}
