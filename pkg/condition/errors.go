package condition

import "errors"

// ErrBadPolicyShape is returned by ValidateShape when a condition list
// violates the length or set-size bounds of spec.md §4.2. The catalog
// surfaces this same error from create_policy.
var ErrBadPolicyShape = errors.New("ABACPolicy: bad policy shape")
