package tftp

// Window is a per-transfer sliding window over 16-bit block numbers.
// All arithmetic wraps modulo 2^16: block counters are plain uint16,
// and comparisons use wrapping subtraction rather than signed
// differences so behaviour is exact across the 65535 -> 0 boundary.
type Window struct {
	size     uint16
	start    uint16
	end      uint16
	nextSend uint16
}

// NewWindow returns a window of the given width with the block counter
// starting at 1, per RFC 1350.
func NewWindow(size uint16) *Window {
	return &Window{
		size:     size,
		start:    1,
		end:      1 + size,
		nextSend: 1,
	}
}

// Next yields the next block number to send and advances the cursor.
// ok is false once nextSend has caught up with end, at which point the
// caller must wait for an ACK before further blocks can be sent.
func (w *Window) Next() (block uint16, ok bool) {
	if w.nextSend == w.end {
		return 0, false
	}
	block = w.nextSend
	w.nextSend++
	return block, true
}

// Update consumes a cumulative ACK and returns the signed file-offset
// delta, in blocks, that the caller must apply to its read cursor.
//
// An ACK is in-window when (ack - start) mod 2^16 < size; the window
// then slides so start sits just past the acknowledged block. Any
// other ACK is duplicate or out-of-window and signals loss: under
// Go-Back-N (or stop-and-wait, where it's equivalent) the window
// rewinds to its base for a full retransmit.
func (w *Window) Update(ack uint16, gbn bool) int64 {
	prevStart := w.start
	prevNextSend := w.nextSend

	if ack-w.start < w.size {
		w.start = ack + 1
		w.end = w.start + w.size
		w.nextSend = w.start
	} else {
		w.nextSend = w.start
	}

	last := wrappingDistance(prevStart, prevNextSend)
	cur := wrappingDistance(prevStart, w.nextSend)
	return cur - last
}

// Start returns the lowest unacknowledged block number. Exposed so the
// engine can simulate a forced rewind (Update(Start()-1, gbn)) after a
// timeout, per spec.md §4.3 step 3.
func (w *Window) Start() uint16 {
	return w.start
}

// wrappingDistance returns (to - from) mod 2^16 widened to int64, i.e.
// how many blocks lie between from and to measured forward around the
// 16-bit counter.
func wrappingDistance(from, to uint16) int64 {
	return int64(to - from)
}
