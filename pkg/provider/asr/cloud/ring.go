package cloud

import (
	"sync"
	"time"

	"github.com/parolfluo/parolfluo/pkg/types"
)

// frameRing buffers audio between the capture pump and the session write
// loop. It is bounded by play time rather than frame count: pushes beyond
// the window drop the oldest frames first. While a session is streaming the
// write loop keeps the ring near empty; during a reconnect it caps the
// backlog, so at most the last window of audio is replayed on the next
// connection and a frame that was already written is never sent again.
type frameRing struct {
	mu     sync.Mutex
	frames []types.AudioFrame
	bytes  int
	max    int
	closed bool

	notify chan struct{}
}

// newFrameRing sizes the ring for window seconds of mono 16-bit PCM at rate.
func newFrameRing(window time.Duration, rate int) *frameRing {
	return &frameRing{
		max:    int(window.Seconds() * float64(rate) * 2),
		notify: make(chan struct{}, 1),
	}
}

func (r *frameRing) push(f types.AudioFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.bytes += len(f.PCM)
	for r.bytes > r.max && len(r.frames) > 1 {
		r.bytes -= len(r.frames[0].PCM)
		r.frames = r.frames[1:]
	}
	r.mu.Unlock()
	r.signal()
}

func (r *frameRing) pop() (types.AudioFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return types.AudioFrame{}, false
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	r.bytes -= len(f.PCM)
	return f, true
}

// close marks the end of input. Buffered frames remain poppable.
func (r *frameRing) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.signal()
}

// inputClosed reports whether the producer has finished, regardless of how
// many frames are still buffered.
func (r *frameRing) inputClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// done reports whether the input has ended and every buffered frame has been
// consumed.
func (r *frameRing) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed && len(r.frames) == 0
}

// wait returns a channel that receives after the next push or close. Callers
// must re-check ring state after waking; the channel carries no payload and
// coalesces bursts.
func (r *frameRing) wait() <-chan struct{} { return r.notify }

func (r *frameRing) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
