// Package distance owns Channel Sounding distance measurement sessions.
//
// Ownership boundary:
// - per-connection session state machine
// - session registry and event routing
// - immediate config retries and timed procedure-enable retries
// - exactly one stopped notification per session
//
// Every session mutation runs on the manager's handler. Public entry points
// only enqueue work and return.
//
// Session order:
// - local capabilities -> control channel -> accelerator -> remote capabilities
// - default settings -> config -> security -> procedure parameters -> enable -> active
// - any stage may jump to stopping, then terminated
package distance
