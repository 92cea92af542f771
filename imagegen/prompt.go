// Package imagegen generates images from text prompts through the AIML or
// Replicate APIs, gated by the shared rate limiter.
package imagegen

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/samber/lo"
)

const (
	MinPromptLength = 3
	MaxPromptLength = 500
)

var bannedWords = []string{
	"nsfw", "nude", "explicit", "pornographic", "violent", "gore",
	"disturbing", "offensive", "hateful", "racist", "discriminatory",
}

// Enhancement fragments appended to prompts by EnhancePrompt.
const (
	QualityEnhancement  = "high quality, detailed, sharp focus, professional"
	StyleEnhancement    = "artistic, beautiful composition, masterful technique"
	LightingEnhancement = "perfect lighting, cinematic, dramatic atmosphere"
)

// ValidatePrompt checks the trimmed prompt's length and rejects prompts
// containing banned words. Failures are validation errors.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return llm.NewValidationError("prompt must be a non-empty string")
	}

	n := utf8.RuneCountInString(trimmed)
	if n < MinPromptLength {
		return llm.NewValidationError(fmt.Sprintf("prompt must be at least %d characters", MinPromptLength))
	}
	if n > MaxPromptLength {
		return llm.NewValidationError(fmt.Sprintf("prompt must not exceed %d characters", MaxPromptLength))
	}

	lower := strings.ToLower(trimmed)
	if lo.ContainsBy(bannedWords, func(w string) bool { return strings.Contains(lower, w) }) {
		return llm.NewValidationError("prompt contains inappropriate content")
	}
	return nil
}

// EnhancePrompt appends the quality, style and lighting fragments.
func EnhancePrompt(prompt string) string {
	return strings.Join([]string{
		strings.TrimSpace(prompt),
		QualityEnhancement,
		StyleEnhancement,
		LightingEnhancement,
	}, ", ")
}
