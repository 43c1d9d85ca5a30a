package presentation

import "sync"

// TransferIDCounter is the outgoing transfer-ID counter shared by every
// proxy that names the same (data specifier, destination) session. The
// counter is monotonic with post-increment semantics; the transport applies
// its own modulus on the wire. The value may be overridden, which is needed
// for protocols that mandate specific transfer-ID values, such as time
// synchronization.
type TransferIDCounter struct {
	mu    sync.Mutex
	value uint64
}

// NewTransferIDCounter creates a counter starting at zero.
func NewTransferIDCounter() *TransferIDCounter {
	return &TransferIDCounter{}
}

// GetThenIncrement returns the current value and post-increments it.
func (c *TransferIDCounter) GetThenIncrement() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.value
	c.value++
	return out
}

// Override replaces the counter value.
func (c *TransferIDCounter) Override(value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// Peek returns the current value without incrementing.
func (c *TransferIDCounter) Peek() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
