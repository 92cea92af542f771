package ollama

import (
	"github.com/aschepis/backscratcher/bluechat/llm"
	"github.com/ollama/ollama/api"
	"github.com/samber/lo"
)

// ToOllamaMessages converts normalized messages to Ollama chat messages.
func ToOllamaMessages(msgs []llm.Message) []api.Message {
	return lo.Map(msgs, func(m llm.Message, _ int) api.Message {
		return api.Message{Role: string(m.Role), Content: m.Content}
	})
}

// toOptions maps sampling settings onto Ollama model options.
func toOptions(req *llm.Request) map[string]any {
	opts := make(map[string]any)
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.PresencePenalty != nil {
		opts["presence_penalty"] = *req.PresencePenalty
	}
	if req.FrequencyPenalty != nil {
		opts["frequency_penalty"] = *req.FrequencyPenalty
	}
	return opts
}

func usageOf(resp api.ChatResponse) *llm.Usage {
	return &llm.Usage{
		InputTokens:  int64(resp.PromptEvalCount),
		OutputTokens: int64(resp.EvalCount),
	}
}
