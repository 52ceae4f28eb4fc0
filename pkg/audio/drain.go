package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release the producer of an audio stream that will not be played,
// e.g. after [Player.Play] returned early.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
