package types

// TokenCounter is the minimal token counting contract used when a caller
// records a message without a known token count.
type TokenCounter interface {
	CountTokens(text string) (int, error)
}
