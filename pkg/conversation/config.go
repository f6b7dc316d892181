package conversation

// Page sizes used when loading conversation history.
const (
	HistoryPageSize = 30
	FeedPageSize    = 3
)

// Configuration of the conversation client.
type Config struct {
	// Number of messages requested per page of the conversation history.
	HistoryPageSize int `yaml:"historyPageSize"`
	// Number of messages requested per page in feed-style previews.
	FeedPageSize int `yaml:"feedPageSize"`
}

func DefaultConfig() Config {
	return Config{HistoryPageSize: HistoryPageSize, FeedPageSize: FeedPageSize}
}
