package hci

// Pending is one outstanding status-bearing command.
type Pending struct {
	ConnectionHandle uint16
	// Owner identifies the sender so a late status is not credited to a newer
	// session reusing the same handle.
	Owner string
}

// CommandTracker resolves handle-less command-status events to the sender of
// the oldest outstanding command with the same opcode. It is not safe for
// concurrent use.
type CommandTracker struct {
	pending map[OpCode][]Pending
}

func NewCommandTracker() *CommandTracker {
	return &CommandTracker{pending: make(map[OpCode][]Pending)}
}

func (t *CommandTracker) Push(op OpCode, p Pending) {
	t.pending[op] = append(t.pending[op], p)
}

// Pop removes and returns the oldest outstanding command for op.
func (t *CommandTracker) Pop(op OpCode) (Pending, bool) {
	q := t.pending[op]
	if len(q) == 0 {
		return Pending{}, false
	}
	p := q[0]
	if len(q) == 1 {
		delete(t.pending, op)
	} else {
		t.pending[op] = q[1:]
	}
	return p, true
}

func (t *CommandTracker) Outstanding(op OpCode) int {
	return len(t.pending[op])
}

// Reset drops every outstanding entry, as after a controller reset.
func (t *CommandTracker) Reset() {
	clear(t.pending)
}
