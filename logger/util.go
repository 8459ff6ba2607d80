package logger

// WithKV returns a logger carrying a single extra metadata value.
func WithKV(log Logger, key string, value interface{}) Logger {
	return log.With(map[string]interface{}{key: value})
}

// IsDebugEnabled is a shorthand used to avoid building expensive debug output.
func IsDebugEnabled(log Logger) bool {
	return log.IsLevelEnabled(LevelDebug)
}
