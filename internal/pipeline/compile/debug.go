package compile

import (
	"sort"
	"sync"
	"time"

	"github.com/upscalarr/upscalarr/internal/node"
)

// PrintPreviewMaxChars is the maximum number of characters carried in a
// debug value preview.
const PrintPreviewMaxChars = 512

// DebugThrottleWindow is the per-node sliding window applied by the run
// layer: at most one debug event per node within this window.
const DebugThrottleWindow = 150 * time.Millisecond

// NodeDebugValueEvent is emitted after a Print node executes.
type NodeDebugValueEvent struct {
	NodeID          string `json:"node_id"`
	NodeType        string `json:"node_type"`
	ValuePreview    string `json:"value_preview"`
	Truncated       bool   `json:"truncated"`
	PreviewMaxChars int    `json:"preview_max_chars"`
}

// DebugCallback receives debug events. The compiler invokes it unthrottled.
type DebugCallback func(NodeDebugValueEvent)

// FormatPortDataPreview renders a value preview capped at maxChars runes,
// reporting whether truncation occurred.
func FormatPortDataPreview(data node.PortData, maxChars int) (string, bool) {
	full := data.String()
	runes := []rune(full)
	if len(runes) <= maxChars {
		return full, false
	}
	return string(runes[:maxChars]), true
}

// BuildPrintDebugValueEvent constructs an event for a Print node execution,
// or nil when the node is not a Print node or produced no string output.
// When several string outputs exist, the "value" port wins, then the first
// by sorted port name, so events are deterministic.
func BuildPrintDebugValueEvent(nodeID, nodeType string, outputs map[string]node.PortData) *NodeDebugValueEvent {
	if nodeType != "Print" {
		return nil
	}

	var chosen *node.PortData
	if v, ok := outputs["value"]; ok && v.Type == node.PortStr {
		chosen = &v
	} else {
		names := make([]string, 0, len(outputs))
		for name := range outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			v := outputs[name]
			if v.Type == node.PortStr {
				chosen = &v
				break
			}
		}
	}
	if chosen == nil {
		return nil
	}

	preview, truncated := FormatPortDataPreview(*chosen, PrintPreviewMaxChars)
	return &NodeDebugValueEvent{
		NodeID:          nodeID,
		NodeType:        nodeType,
		ValuePreview:    preview,
		Truncated:       truncated,
		PreviewMaxChars: PrintPreviewMaxChars,
	}
}

func emitPrintDebugEvent(nodeID, nodeType string, outputs map[string]node.PortData, cb DebugCallback) {
	if cb == nil {
		return
	}
	if event := BuildPrintDebugValueEvent(nodeID, nodeType, outputs); event != nil {
		cb(*event)
	}
}

// DebugEventThrottle limits debug events to one per node per sliding window.
// This is a usability measure for the run layer, not a correctness one.
type DebugEventThrottle struct {
	mu       sync.Mutex
	window   time.Duration
	lastSeen map[string]time.Time
}

// NewDebugEventThrottle creates a throttle with the given window.
func NewDebugEventThrottle(window time.Duration) *DebugEventThrottle {
	return &DebugEventThrottle{
		window:   window,
		lastSeen: make(map[string]time.Time),
	}
}

// ShouldEmit reports whether an event for nodeID may be emitted at the given
// instant, recording the emission when allowed.
func (t *DebugEventThrottle) ShouldEmit(nodeID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, seen := t.lastSeen[nodeID]
	if seen && now.Sub(last) < t.window {
		return false
	}
	t.lastSeen[nodeID] = now
	return true
}

// Throttled wraps a callback with per-node throttling.
func (t *DebugEventThrottle) Throttled(cb DebugCallback) DebugCallback {
	if cb == nil {
		return nil
	}
	return func(event NodeDebugValueEvent) {
		if t.ShouldEmit(event.NodeID, time.Now()) {
			cb(event)
		}
	}
}
