// Package chunk partitions ordered sequences for batch API calls.
package chunk

// Split partitions items into contiguous chunks of at most size elements,
// preserving order. The final chunk may be smaller. Empty input yields no
// chunks. A non-positive size is treated as one chunk holding everything.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 || size >= len(items) {
		return [][]T{items}
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
