package client

// Chunk is one byte range of a file sent as a single request.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// PlanChunks splits size bytes into chunks of at most chunkSize. The last
// chunk carries the remainder.
func PlanChunks(size, chunkSize int64) []Chunk {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}

	n := (size + chunkSize - 1) / chunkSize
	chunks := make([]Chunk, 0, n)
	for i := int64(0); i < n; i++ {
		offset := i * chunkSize
		chunks = append(chunks, Chunk{
			Index:  int(i),
			Offset: offset,
			Length: min(chunkSize, size-offset),
		})
	}
	return chunks
}
