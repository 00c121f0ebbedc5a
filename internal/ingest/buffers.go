package ingest

import "sync"

// DefaultBufferSize is the size of the chunks a file part is copied in.
const DefaultBufferSize = 64 * 1024

// bufferPool hands out fixed-size copy buffers so concurrent uploads do
// not allocate a new chunk buffer each.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	b := &bufferPool{size: size}
	b.pool.New = func() interface{} {
		buf := make([]byte, size)
		return &buf
	}
	return b
}

// Get returns a buffer of exactly the pool's size.
func (b *bufferPool) Get() *[]byte {
	return b.pool.Get().(*[]byte)
}

// Put returns buf to the pool. Buffers of the wrong size are dropped.
func (b *bufferPool) Put(buf *[]byte) {
	if buf == nil || len(*buf) != b.size {
		return
	}
	b.pool.Put(buf)
}
