package iokit

// NewInputStream returns an InputStream over the concrete input the
// target consumed along an execution path.
func NewInputStream(b []byte) *InputStream {
	return &InputStream{
		data: b,
	}
}

// InputStream is a cursor over a path's concrete input. Bytes are
// either read (sent by the exploit script) or skipped (consumed by the
// target during exploration but not sent).
type InputStream struct {
	data    []byte
	read    int
	skipped int
}

// Read returns the next n bytes and advances the cursor. It returns
// fewer bytes if the stream is exhausted.
func (o *InputStream) Read(n uint64) []byte {
	b := o.next(n)
	o.read += len(b)
	return b
}

// Skip advances the cursor by n bytes without reading them.
func (o *InputStream) Skip(n uint64) []byte {
	b := o.next(n)
	o.skipped += len(b)
	return b
}

func (o *InputStream) next(n uint64) []byte {
	start := o.NrBytesConsumed()

	end := len(o.data)
	if n < uint64(end-start) {
		end = start + int(n)
	}

	return o.data[start:end]
}

// NrBytesRead returns the number of bytes returned by Read.
func (o *InputStream) NrBytesRead() int {
	return o.read
}

// NrBytesSkipped returns the number of bytes passed over by Skip.
func (o *InputStream) NrBytesSkipped() int {
	return o.skipped
}

// NrBytesConsumed is NrBytesRead plus NrBytesSkipped.
func (o *InputStream) NrBytesConsumed() int {
	return o.read + o.skipped
}

// Remaining returns the number of unconsumed bytes.
func (o *InputStream) Remaining() int {
	return len(o.data) - o.NrBytesConsumed()
}
