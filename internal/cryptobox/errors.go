package cryptobox

import "errors"

// ErrDecrypt is returned when a sealed payload fails to authenticate or
// is otherwise malformed. Wrapped, never compared directly by callers
// outside this module.
var ErrDecrypt = errors.New("cryptobox: decrypt failed")
