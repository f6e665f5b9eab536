package bus

import (
	"sync"
	"time"
)

// BlockNotifier throttles messageUpdate emission for a single streaming
// content block (spec §4.2: "emit messageUpdate at most once per ~90ms per
// block; always emit on cap-hit and on stop"). Unlike a free-running
// ticker, it only schedules a flush when a delta actually lands, and it
// guarantees a final flush on Seal even if the throttle window hasn't
// elapsed — so every block gets exactly one trailing update with its
// fully-sealed content.
type BlockNotifier struct {
	mu       sync.Mutex
	interval time.Duration
	onUpdate func(content string)

	content    string
	lastFlush  time.Time
	pending    bool
	timer      *time.Timer
	sealed     bool
}

// NewBlockNotifier creates a notifier for one streaming block.
func NewBlockNotifier(interval time.Duration, onUpdate func(content string)) *BlockNotifier {
	return &BlockNotifier{interval: interval, onUpdate: onUpdate}
}

// Append adds a delta to the block's content and schedules a throttled
// flush if one isn't already pending.
func (n *BlockNotifier) Append(delta string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sealed {
		return
	}
	n.content += delta
	n.scheduleLocked()
}

// ForceFlush emits the current content immediately, bypassing the
// throttle window. Used on cap-hit (spec §4.2).
func (n *BlockNotifier) ForceFlush() {
	n.mu.Lock()
	if n.sealed {
		n.mu.Unlock()
		return
	}
	content := n.content
	n.lastFlush = time.Now()
	n.pending = false
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	n.onUpdate(content)
}

// Seal stops further throttled delivery and performs exactly one final
// flush with the current content (spec invariant: every block emits a
// final messageUpdate on seal).
func (n *BlockNotifier) Seal() {
	n.mu.Lock()
	if n.sealed {
		n.mu.Unlock()
		return
	}
	n.sealed = true
	content := n.content
	if n.timer != nil {
		n.timer.Stop()
	}
	n.mu.Unlock()
	n.onUpdate(content)
}

// Content returns the current accumulated content.
func (n *BlockNotifier) Content() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.content
}

// scheduleLocked arms a timer to flush at the end of the current throttle
// window, or flushes immediately if the window has already elapsed.
// Caller must hold n.mu.
func (n *BlockNotifier) scheduleLocked() {
	if n.pending {
		return
	}
	elapsed := time.Since(n.lastFlush)
	if elapsed >= n.interval {
		content := n.content
		n.lastFlush = time.Now()
		go n.onUpdate(content)
		return
	}
	n.pending = true
	wait := n.interval - elapsed
	n.timer = time.AfterFunc(wait, func() {
		n.mu.Lock()
		if n.sealed {
			n.mu.Unlock()
			return
		}
		content := n.content
		n.lastFlush = time.Now()
		n.pending = false
		n.mu.Unlock()
		n.onUpdate(content)
	})
}
