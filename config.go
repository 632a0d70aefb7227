package serbuf

// Config holds the tunables of a [Port].
type Config struct {
	// TxBufferExponent sizes the transmit buffer as 2^TxBufferExponent
	// bytes. 0 leaves the transmit direction unconfigured.
	TxBufferExponent int
	// RxBufferExponent sizes the receive buffer as 2^RxBufferExponent
	// bytes. 0 leaves the receive direction unconfigured.
	RxBufferExponent int
	// ReadChunkSize is the size of the scratch slab used for device reads
	// and writes.
	ReadChunkSize int
}

func NewDefaultConfig() *Config {
	return &Config{
		TxBufferExponent: 8,
		RxBufferExponent: 8,
		ReadChunkSize:    64,
	}
}
