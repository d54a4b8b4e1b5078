package session

import "sync"

// PlaybackQueue holds agent audio waiting to be written to the caller.
// Flush discards everything queued; a frame already handed to the writer
// is not affected.
type PlaybackQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	max     int
	dropped int
	ready   chan struct{}
}

// NewPlaybackQueue bounds the queue to max frames; the oldest frame is
// dropped on overflow.
func NewPlaybackQueue(max int) *PlaybackQueue {
	if max <= 0 {
		max = 500
	}
	return &PlaybackQueue{max: max, ready: make(chan struct{}, 1)}
}

func (q *PlaybackQueue) Enqueue(frame []byte) {
	q.mu.Lock()
	if len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, frame)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest frame.
func (q *PlaybackQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	return frame, true
}

// Flush discards all queued frames and returns how many were dropped.
func (q *PlaybackQueue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Ready is signalled after an Enqueue. One signal may cover several frames.
func (q *PlaybackQueue) Ready() <-chan struct{} {
	return q.ready
}
