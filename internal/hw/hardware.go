// Package hw defines the hardware collaborator boundary: arm/disarm
// register primitives and the hardware-data drain call, kept out of
// the capture core proper.
package hw

import "context"

// Hardware wraps the register-level primitives a real timing/control
// fabric driver would provide. ReadStreamed is called repeatedly by
// the capture coordinator's drain loop and must return promptly (in
// short slices) so shutdown stays responsive.
type Hardware interface {
	// Arm begins a capture at the hardware level.
	Arm(ctx context.Context) error
	// Disarm stops a capture at the hardware level. Always safe to
	// call, including when not armed.
	Disarm(ctx context.Context) error
	// ReadStreamed fills dst with whatever sample data is currently
	// available, blocking for at most one short slice of time. It
	// returns (0, nil) on a transient empty read, (n, nil) for n>0
	// bytes read, and (n, io.EOF) once the capture has ended, where n
	// may be positive when the final bytes arrive with the EOF.
	ReadStreamed(ctx context.Context, dst []byte) (int, error)
}
