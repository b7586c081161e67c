// Package rc defines the error taxonomy surfaced by the device-control layer.
//
// Every error returned by the layer wraps exactly one of the sentinels below,
// so callers can classify failures with errors.Is while the message keeps the
// offset, PCI address, interrupt mode or reset kind needed to correlate with a
// hardware log.
package rc

import "errors"

var (
	// ErrRegisterAccess means no register access path was available or the
	// privileged driver reported a failure.
	ErrRegisterAccess = errors.New("register access error")

	// ErrNotInitialized is a driver failure that happened before the
	// privileged service finished initializing. It is transient.
	ErrNotInitialized = errors.New("not yet initialized")

	// ErrCannotHookInterrupt means the delivery mechanism is unsupported or
	// an IRQ resource could not be acquired.
	ErrCannotHookInterrupt = errors.New("cannot hook interrupt")

	// ErrCannotAssertInterrupt means a validation iteration failed to
	// observe or clear a software interrupt.
	ErrCannotAssertInterrupt = errors.New("cannot assert interrupt")

	// ErrInterruptStuckAsserted means a pre-existing pending interrupt could
	// not be cleared.
	ErrInterruptStuckAsserted = errors.New("interrupt stuck asserted")

	// ErrUnsupportedHardwareFeature means the hardware lacks a feature the
	// operation requires.
	ErrUnsupportedHardwareFeature = errors.New("unsupported hardware feature")

	// ErrSoftware is a programming error in the caller or in this layer.
	ErrSoftware = errors.New("software error")

	// ErrTimeout means a bounded hardware poll expired.
	ErrTimeout = errors.New("timeout")
)

// Unsupported reports whether err is an "unsupported on this hardware"
// condition, which callers downgrade to informational logging.
func Unsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedHardwareFeature)
}

// First records the first non-nil error passed to Add. The zero value is
// ready to use.
type First struct {
	err error
}

// Add records err if no error has been recorded yet. It returns err so calls
// can be chained inline.
func (f *First) Add(err error) error {
	if err != nil && f.err == nil {
		f.err = err
	}
	return err
}

// Err returns the first recorded error, or nil.
func (f *First) Err() error {
	return f.err
}
