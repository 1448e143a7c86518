package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a streaming channel's data is no
// longer needed, e.g. the outbound queue of a session being torn down.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
