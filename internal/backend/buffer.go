package backend

// Buffer is an engine read buffer. It is reused across reads of one request
// and owned by the engine between Read and the matching OnReadCompleted.
type Buffer struct {
	data []byte
}

// NewBuffer allocates a buffer of size bytes.
func NewBuffer(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{data: make([]byte, size)}
}

// Data returns the whole backing slice.
func (b *Buffer) Data() []byte {
	return b.data
}

// Size returns the buffer capacity in bytes.
func (b *Buffer) Size() int {
	return len(b.data)
}
