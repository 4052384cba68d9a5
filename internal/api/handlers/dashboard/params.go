package dashboard

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// clampedQuery reads an integer query parameter. Missing, unparsable and zero values
// give def; anything else is clamped to [1, upper].
func clampedQuery(c *gin.Context, key string, def, upper int) int {
	return clamp(c.Query(key), def, upper)
}

func clamp(raw string, def, upper int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n == 0 {
		return def
	}
	if n < 1 {
		return 1
	}
	if n > upper {
		return upper
	}
	return n
}

// providerPatterns is checked in order; the first substring found in the model id wins.
var providerPatterns = []struct {
	substrings []string
	provider   string
}{
	{[]string{"claude"}, "anthropic"},
	{[]string{"gpt", "o1", "o3", "o4"}, "openai"},
	{[]string{"gemini"}, "google"},
	{[]string{"grok"}, "xai"},
	{[]string{"llama"}, "meta"},
	{[]string{"mistral", "mixtral", "codestral"}, "mistral"},
	{[]string{"deepseek"}, "deepseek"},
	{[]string{"qwen"}, "alibaba"},
}

// ProviderForModel infers the provider tag from a model identifier.
func ProviderForModel(model string) string {
	id := strings.ToLower(model)
	for _, p := range providerPatterns {
		for _, s := range p.substrings {
			if strings.Contains(id, s) {
				return p.provider
			}
		}
	}
	return "unknown"
}
