package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/chzyer/readline"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newChatCmd cria o comando `trafficclaw chat` para conversas pelo terminal.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [mensagem]",
		Short: "Conversa com o copiloto pelo terminal",
		Long: `Envia uma mensagem ao copiloto ou, sem argumentos, abre o modo
interativo. Os comandos do WhatsApp (/pendentes, /confirmar, /cancelar,
/escolher, /limpar, /ajuda) também funcionam aqui.

Exemplos:
  trafficclaw chat "Quais cobranças estão vencidas?"
  trafficclaw chat --owner ana`,
		RunE: runChat,
	}
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{logOut: os.Stderr, quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()
	a.connectWhatsApp(ctx)

	actor, err := a.actor(cmd)
	if err != nil {
		return err
	}

	if len(args) > 0 {
		reply, err := a.assistant.HandleIncoming(ctx, actor, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "você> ",
		HistoryFile:     chatHistoryFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "sair",
	})
	if err != nil {
		return fmt.Errorf("starting prompt: %w", err)
	}
	defer rl.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	fmt.Printf("%s pronto. Digite /ajuda para os comandos ou Ctrl+D para sair.\n\n", a.cfg.Name)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToLower(line) {
		case "sair", "exit", "quit":
			return nil
		}

		if err := chatTurn(ctx, a, actor, line, interactive); err != nil {
			a.logger.Error("failed to handle message", "err", err)
			fmt.Println("Tive um problema para processar sua mensagem. Tente novamente.")
		}
	}
}

// chatTurn prints the reply to line. On a terminal, a new pending
// confirmation is decided right away with a prompt.
func chatTurn(ctx context.Context, a *app, actor, line string, interactive bool) error {
	if strings.HasPrefix(line, "/") || !interactive {
		reply, err := a.assistant.HandleIncoming(ctx, actor, line)
		if err != nil {
			return err
		}
		fmt.Printf("\n%s\n\n", reply)
		return nil
	}

	res, err := a.assistant.Chat(ctx, actor, line)
	if err != nil {
		return err
	}
	fmt.Printf("\n%s\n\n", res.AssistantText)
	if res.PendingConfirmation == nil {
		return nil
	}

	reply, err := decide(ctx, a, actor, res.PendingConfirmation)
	if errors.Is(err, huh.ErrUserAborted) {
		return nil
	}
	if err != nil {
		return err
	}
	if reply != "" {
		fmt.Printf("%s\n\n", reply)
	}
	return nil
}

// decide asks what to do with a pending record. An empty reply means the
// owner left it pending.
func decide(ctx context.Context, a *app, actor string, rec *copilot.Record) (string, error) {
	if rec.Type == tools.ConfirmClientSelect {
		options := candidateOptions(rec)
		if len(options) == 0 {
			return "", nil
		}
		var choice string
		err := huh.NewSelect[string]().
			Title("Qual cliente?").
			Options(append(options, huh.NewOption("Decidir depois", ""))...).
			Value(&choice).
			Run()
		if err != nil || choice == "" {
			return "", err
		}
		res, err := a.assistant.SelectClient(ctx, actor, rec.ID, choice)
		if err != nil {
			return copilot.ReplyForError(err), nil
		}
		return res.AssistantText, nil
	}

	var action string
	err := huh.NewSelect[string]().
		Title("O que fazer?").
		Options(
			huh.NewOption("Confirmar", "confirm"),
			huh.NewOption("Alterar e confirmar", "edit"),
			huh.NewOption("Cancelar", "cancel"),
			huh.NewOption("Decidir depois", ""),
		).
		Value(&action).
		Run()
	if err != nil || action == "" {
		return "", err
	}

	decision := copilot.DecisionConfirm
	var edits map[string]any
	switch action {
	case "cancel":
		decision = copilot.DecisionCancel
	case "edit":
		var raw string
		err := huh.NewText().
			Title("Alterações, uma por linha (chave=valor)").
			Value(&raw).
			Run()
		if err != nil {
			return "", err
		}
		edits, err = parseEdits(nonEmptyLines(raw))
		if err != nil {
			return err.Error(), nil
		}
	}

	res, err := a.assistant.ResolveConfirmation(ctx, actor, rec.ID, decision, edits)
	if err != nil {
		return copilot.ReplyForError(err), nil
	}
	return res.AssistantText, nil
}

// candidateOptions lists the candidates of a client_select record. The
// option value is the 1-based choice accepted by SelectClient.
func candidateOptions(rec *copilot.Record) []huh.Option[string] {
	list, _ := rec.Payload["candidatos"].([]any)
	options := make([]huh.Option[string], 0, len(list))
	for i, item := range list {
		c, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label, _ := c["nome"].(string)
		if company, _ := c["empresa"].(string); company != "" {
			label += " (" + company + ")"
		}
		options = append(options, huh.NewOption(label, strconv.Itoa(i+1)))
	}
	return options
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// chatHistoryFile keeps prompt history next to the user config, or
// disables it when the home directory is unknown.
func chatHistoryFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".trafficclaw")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
