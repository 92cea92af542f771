package llm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultSystemPrompt is synthesized as the leading system entry when the
// conversation and the selected persona carry none.
const DefaultSystemPrompt = `You are Blue, an advanced AI assistant with a friendly, engaging, and knowledgeable personality. Your responses should be:

- Helpful and informative, providing accurate and well-structured information
- Conversational and natural, making users feel comfortable
- Clear and concise, while being thorough when needed
- Professional yet approachable, using a friendly tone
- Proactive in suggesting relevant follow-up questions or related topics
- Honest about limitations, admitting when you're not sure about something
- Respectful of user privacy and ethical boundaries

You aim to make every interaction meaningful and helpful while maintaining a warm, engaging presence.`

// Default sampling parameters for chat completions.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = float32(0.7)
)

// perMessageTokens approximates the framing overhead of one chat message.
const perMessageTokens = 4

var validRoles = []MessageRole{RoleSystem, RoleUser, RoleAssistant}

// NormalizeMessages returns a message sequence with exactly one leading
// system entry, followed by prior user/assistant turns and exactly one
// trailing user entry. When messages carries no leading system entry one is
// synthesized from systemPrompt, or DefaultSystemPrompt when that is blank.
func NormalizeMessages(messages []Message, systemPrompt string) ([]Message, error) {
	if len(messages) == 0 {
		return nil, NewValidationError("Message cannot be empty")
	}

	for i, m := range messages {
		if !lo.Contains(validRoles, m.Role) {
			return nil, NewValidationError(fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
		if m.Role == RoleSystem && i != 0 {
			return nil, NewValidationError(fmt.Sprintf("message %d: system message must be the first entry", i))
		}
	}

	last := messages[len(messages)-1]
	if last.Role != RoleUser {
		return nil, NewValidationError("conversation must end with a user message")
	}
	if strings.TrimSpace(last.Content) == "" {
		return nil, NewValidationError("Message cannot be empty")
	}

	out := make([]Message, 0, len(messages)+1)
	if messages[0].Role != RoleSystem {
		if strings.TrimSpace(systemPrompt) == "" {
			systemPrompt = DefaultSystemPrompt
		}
		out = append(out, NewTextMessage(RoleSystem, systemPrompt))
	}
	return append(out, messages...), nil
}

// BuildMessages assembles a conversation from prior turns and a new user
// message, then normalizes it.
func BuildMessages(history []Message, userMessage, systemPrompt string) ([]Message, error) {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, NewTextMessage(RoleUser, userMessage))
	return NormalizeMessages(msgs, systemPrompt)
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens estimates the prompt size of messages in tokens.
func CountTokens(messages []Message) (int, error) {
	enc, err := getCodec()
	if err != nil {
		return 0, fmt.Errorf("load tokenizer: %w", err)
	}
	total := 0
	for _, m := range messages {
		ids, _, err := enc.Encode(m.Content)
		if err != nil {
			return 0, fmt.Errorf("encode message: %w", err)
		}
		total += len(ids) + perMessageTokens
	}
	return total, nil
}

// ValidatePromptSize rejects prompts that cannot fit in contextWindow while
// leaving room for maxTokens of output. A non-positive window disables the check.
func ValidatePromptSize(messages []Message, contextWindow, maxTokens int) error {
	if contextWindow <= 0 {
		return nil
	}
	n, err := CountTokens(messages)
	if err != nil {
		return err
	}
	if budget := contextWindow - maxTokens; n > budget {
		return NewValidationError(fmt.Sprintf("prompt is %d tokens, exceeds the %d token budget of this model", n, budget))
	}
	return nil
}
