package recovery

import "errors"

// ErrCrossFunctionJump is returned when a jump target lands on an
// address already covered by a different function's blocks, a
// tail-call-shaped pattern the recovery driver does not model.
var ErrCrossFunctionJump = errors.New("recovery: jump target already visited by a different function")
