package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/glmgate/glmgate/internal/domain/entity"
	"github.com/glmgate/glmgate/internal/infrastructure/upstream"
)

// ─── ANSI Helpers ───

const (
	reset    = "\033[0m"
	dim      = "\033[2m"
	cyanBold = "\033[96m\033[1m"
	yellow   = "\033[93m"
	redBold  = "\033[91m\033[1m"
	dimText  = "\033[90m"
	clearLn  = "\033[2K\r"
)

// Braille spinner frames
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// REPLConfig holds CLI runtime config
type REPLConfig struct {
	Model      string
	BaseURL    string
	ChatID     string
	Thinking   bool
	InitPrompt string
}

type replState struct {
	model    string
	chatID   string
	thinking bool
}

// RunREPL starts the interactive chat loop against the upstream
func RunREPL(client *upstream.Client, cfg REPLConfig) error {
	w := termWidth()
	fmt.Println(RenderBanner(BannerInfo{
		Model:    cfg.Model,
		BaseURL:  cfg.BaseURL,
		ChatID:   cfg.ChatID,
		Thinking: cfg.Thinking,
	}, w))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	st := &replState{
		model:    cfg.Model,
		chatID:   cfg.ChatID,
		thinking: cfg.Thinking,
	}
	rend := NewRenderer(w)

	// Handle SIGTERM for clean exit
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("\n%s👋 再见%s\n", dimText, reset)
		rl.Close()
		os.Exit(0)
	}()

	if cfg.InitPrompt != "" {
		runTurn(client, rend, st, cfg.InitPrompt, false)
	}

	for {
		input, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				fmt.Printf("%s👋 再见%s\n", dimText, reset)
				return nil
			}
			if errors.Is(err, io.EOF) {
				fmt.Printf("\n%s👋 再见%s\n", dimText, reset)
				return nil
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if cmd := ParseSlashCommand(input); cmd != nil {
			result := ExecuteCommand(cmd, st.model, st.chatID, st.thinking)
			if result.IsQuit {
				fmt.Printf("%s👋 再见%s\n", dimText, reset)
				return nil
			}
			if result.IsReset {
				st.chatID = ""
			}
			if result.SetThinking != nil {
				st.thinking = *result.SetThinking
			}
			if result.Output != "" {
				fmt.Println(result.Output)
			}
			continue
		}

		runTurn(client, rend, st, input, false)
	}
}

// RunOneShot sends a single message and prints the answer.
// Without a TTY the raw markdown goes out unstyled so pipes stay clean.
func RunOneShot(client *upstream.Client, cfg REPLConfig, message string) error {
	st := &replState{
		model:    cfg.Model,
		chatID:   cfg.ChatID,
		thinking: cfg.Thinking,
	}
	quiet := !hasTTY()
	content, err := runTurn(client, NewRenderer(termWidth()), st, message, quiet)
	if err != nil {
		return err
	}
	if quiet && content != "" {
		fmt.Println(content)
	}
	return nil
}

// ─── Turn Execution ───

// runTurn streams one completion: thinking live in dim text, the answer
// buffered and rendered as markdown at the end.
func runTurn(client *upstream.Client, rend *Renderer, st *replState, input string, quiet bool) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl+C 只打断当前回合，不退出 REPL
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT)
		defer signal.Stop(ch)
		select {
		case <-ch:
			cancel()
			fmt.Printf("\n%s⏹ 已中断%s\n", yellow, reset)
		case <-ctx.Done():
		}
	}()

	spinner := newSpinner()
	if quiet {
		spinner.mute = true
	}

	if st.chatID == "" {
		spinner.Update("creating chat...")
		chat, err := client.CreateChat(ctx, newChatTitle(input), st.model, "")
		if err != nil {
			spinner.Stop()
			if !quiet {
				fmt.Printf("%s✗ chat create failed: %v%s\n", redBold, err, reset)
			}
			return "", err
		}
		st.chatID = chat.ID
	}

	start := time.Now()
	ch := client.SendMessage(ctx, upstream.SendOptions{
		ChatID:         st.chatID,
		Messages:       []entity.Message{{Role: "user", Content: input}},
		Model:          st.model,
		Stream:         true,
		EnableThinking: st.thinking,
		IncludeHistory: true,
	})

	spinner.Update("waiting...")

	var sb strings.Builder
	thinkingOpen := false
	var turnErr error

loop:
	for chunk := range ch {
		switch chunk.Kind {
		case entity.ChunkThinking:
			if quiet {
				continue
			}
			spinner.Stop()
			if !thinkingOpen {
				fmt.Printf("%s", dim)
				thinkingOpen = true
			}
			fmt.Print(chunk.Text)
		case entity.ChunkThinkingEnd:
			if thinkingOpen {
				fmt.Printf("%s\n\n", reset)
				thinkingOpen = false
			}
			spinner.Update("writing...")
		case entity.ChunkContent:
			if thinkingOpen {
				fmt.Printf("%s\n\n", reset)
				thinkingOpen = false
			}
			sb.WriteString(chunk.Text)
			spinner.Update("writing...")
		case entity.ChunkError:
			spinner.Stop()
			turnErr = fmt.Errorf("upstream error: %s", chunk.Reason)
			if !quiet {
				fmt.Printf("%s✗ %s%s\n", redBold, chunk.Reason, reset)
			}
			break loop
		case entity.ChunkDone:
			break loop
		}
	}
	spinner.Stop()
	if thinkingOpen {
		fmt.Print(reset)
	}

	content := sb.String()
	if turnErr != nil {
		return content, turnErr
	}

	if !quiet && content != "" {
		fmt.Println(rend.RenderMarkdown(content))
		fmt.Printf("\n%s─── %s · %s · chat %s ───%s\n",
			dimText, fmtDur(time.Since(start)), st.model, shortID(st.chatID), reset)
	}
	return content, nil
}

// ─── Braille Spinner ───

type asyncSpinner struct {
	mu      sync.Mutex
	running bool
	mute    bool
	msg     string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mute {
		return
	}
	s.msg = msg
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.run()
	}
}

func (s *asyncSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	fmt.Print(clearLn)
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)

	frame := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.msg
			s.mu.Unlock()

			f := spinnerFrames[frame%len(spinnerFrames)]
			fmt.Printf("%s%s%s %s%s%s", clearLn, cyanBold, f, dimText, msg, reset)
			frame++
		}
	}
}

// ─── Helpers ───

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func newChatTitle(s string) string {
	first := strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	r := []rune(first)
	if len(r) > 40 {
		return string(r[:40]) + "…"
	}
	if first == "" {
		return "CLI chat"
	}
	return first
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func fmtDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
