// Package daemon runs a rangectl process: one distance.Manager wired to a
// controller backend, an optional vendor accelerator and the admin surface.
//
// Ownership boundary:
// - backend construction from a scenario script and optional HAL socket
// - manager, accelerator bridge and admin server lifecycles
// - distance callbacks and scripted result budgets
package daemon
