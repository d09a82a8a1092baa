package resilience

import apperrors "github.com/go-i2p/kvpool/lib/errors"

// ErrCircuitOpen is returned by Do while the breaker rejects calls. It
// matches errors.ErrConnection.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
