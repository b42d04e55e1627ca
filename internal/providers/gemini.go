package providers

const (
	geminiDefaultBase  = "https://generativelanguage.googleapis.com/v1beta/openai"
	geminiDefaultModel = "gemini-2.5-flash"
)

// NewGeminiProvider speaks to Gemini through its OpenAI-compatible
// endpoint. The "gemini" name switches on the schema cleaning and the
// thought_signature collapse in the OpenAI request builder.
func NewGeminiProvider(apiKey, apiBase, defaultModel string) *OpenAIProvider {
	if apiBase == "" {
		apiBase = geminiDefaultBase
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return NewOpenAIProvider("gemini", apiKey, apiBase, defaultModel)
}
