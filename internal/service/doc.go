// Package service wires the progress store, the host runtime, the
// rendezvous and the external actors into the operations exposed to
// clients: submit, status, approve, resume and the timeout sweep.
package service
