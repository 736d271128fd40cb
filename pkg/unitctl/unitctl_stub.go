//go:build !linux

package unitctl

import "context"

// Connect always fails off linux.
func Connect(context.Context) (Manager, error) {
	return nil, ErrUnsupported
}
