// Package llm is the language model boundary of the agent loop.
//
// A Client turns a conversation.Prompt into a Response that is either free
// text or a single tool call. Two variants exist and one is selected at
// startup by New:
//
//   - Stub answers from deterministic rules (YAML or code) and never leaves
//     the process.
//   - Hosted calls Anthropic, OpenAI or Gemini, paces requests, retries
//     transient failures and wraps the final failure in *ProviderError.
package llm
