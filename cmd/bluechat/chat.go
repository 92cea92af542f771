package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aschepis/backscratcher/bluechat/chat"
	"github.com/aschepis/backscratcher/bluechat/conversations"
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

type chatOptions struct {
	model         string
	fallbackModel string
	persona       string
	chatID        string
	noHistory     bool
}

func newChatCmd(g *globalOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with a model; starts an interactive session when no message is given",
		Long: `Send a message and stream the reply. GPT-4 requests fall back to the
secondary provider when the primary fails before producing any output.

With no message argument, an interactive session reads one message per line
from stdin until EOF or "/exit".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(g)
			if err != nil {
				return err
			}
			defer a.Close() //nolint:errcheck // Best-effort cleanup on exit

			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			s, err := newSession(cmd.Context(), a, o, opts)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				return s.send(cmd.Context(), strings.Join(args, " "), cmd.OutOrStdout())
			}
			return s.interactive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.model, "model", "m", "", "Model id (see 'bluechat models')")
	cmd.Flags().StringVar(&opts.fallbackModel, "fallback-model", "", "Secondary model used when the primary fails")
	cmd.Flags().StringVarP(&opts.persona, "persona", "p", "", "Persona id or name providing the system prompt")
	cmd.Flags().StringVar(&opts.chatID, "chat-id", "", "Continue an existing chat")
	cmd.Flags().BoolVar(&opts.noHistory, "no-history", false, "Do not persist this conversation")

	return cmd
}

// session is one chat conversation, optionally persisted.
type session struct {
	app          *app
	orchestrator *chat.Orchestrator
	userID       string
	model        string
	fallback     string
	systemPrompt string
	personaID    string
	persist      bool
	chat         *conversations.Chat
	history      []llm.Message
}

func newSession(ctx context.Context, a *app, o *chat.Orchestrator, opts *chatOptions) (*session, error) {
	s := &session{
		app:          a,
		orchestrator: o,
		userID:       a.cfg.Chat.UserID,
		model:        lo.CoalesceOrEmpty(opts.model, a.cfg.Chat.Model),
		fallback:     lo.CoalesceOrEmpty(opts.fallbackModel, a.cfg.Chat.FallbackModel),
		persist:      !opts.noHistory,
	}

	if opts.chatID != "" {
		c, err := a.store.GetChat(ctx, opts.chatID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat: %w", err)
		}
		if c.UserID != s.userID {
			return nil, fmt.Errorf("chat %s belongs to another user", c.ID)
		}
		history, err := a.store.History(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load chat history: %w", err)
		}
		s.chat = c
		s.history = history
		if opts.model == "" {
			s.model = c.Model
		}
		if opts.persona == "" {
			opts.persona = c.PersonaID
		}
	}

	if opts.persona != "" {
		p, err := a.store.FindPersona(ctx, s.userID, opts.persona)
		if err != nil {
			return nil, fmt.Errorf("failed to load persona: %w", err)
		}
		s.systemPrompt = p.SystemPrompt
		s.personaID = p.ID
		if opts.model == "" && s.chat == nil && p.Model != "" {
			s.model = p.Model
		}
	}
	return s, nil
}

// send streams the reply to message into out and records the turn.
func (s *session) send(ctx context.Context, message string, out io.Writer) error {
	msgs := append(append([]llm.Message(nil), s.history...), llm.NewTextMessage(llm.RoleUser, message))

	stream, err := s.orchestrator.StreamCompletion(ctx, chat.Completion{
		UserID:        s.userID,
		Messages:      msgs,
		Model:         s.model,
		FallbackModel: s.fallback,
		SystemPrompt:  s.systemPrompt,
	})
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck // Closing a finished stream is a no-op

	for stream.Next() {
		_, _ = io.WriteString(out, stream.Text())
	}
	_, _ = io.WriteString(out, "\n")
	if err := stream.Err(); err != nil {
		return err
	}

	attempts := stream.Attempts()
	reply := attempts[len(attempts)-1].Partial
	s.history = append(msgs, llm.NewTextMessage(llm.RoleAssistant, reply))

	s.app.logger.Info().
		Str("model", stream.Model().ID).
		Bool("fell_back", stream.FellBack()).
		Int("attempts", len(attempts)).
		Msg("Completion finished")

	if s.persist {
		if err := s.record(ctx, message, reply, stream.Model().ID); err != nil {
			s.app.logger.Error().Err(err).Msg("Failed to save chat history")
		}
	}
	return nil
}

func (s *session) record(ctx context.Context, userMsg, reply, model string) error {
	if s.chat == nil {
		c, err := s.app.store.CreateChat(ctx, s.userID, conversations.TitleFrom(userMsg), s.model, s.personaID)
		if err != nil {
			return err
		}
		s.chat = c
	}
	if err := s.app.store.AppendMessage(ctx, s.chat.ID, llm.RoleUser, userMsg, ""); err != nil {
		return err
	}
	return s.app.store.AppendMessage(ctx, s.chat.ID, llm.RoleAssistant, reply, model)
}

func (s *session) interactive(ctx context.Context, in io.Reader, out io.Writer) error {
	_, _ = fmt.Fprintf(out, "Chatting with %s. Type /exit to quit.\n", s.model)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		_, _ = io.WriteString(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := s.send(ctx, line, out); err != nil {
			if llm.IsCancelledError(err) {
				return nil
			}
			// Quota and provider failures end the turn, not the session.
			_, _ = fmt.Fprintf(out, "Error: %v\n", err)
		}
	}
}
