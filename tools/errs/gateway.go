package errs

// Gateway error taxonomy. 41xx auth (fatal to the connection, mapped to close
// codes), 42xx protocol (recovered, error event), 43xx authorization
// (recovered, error event), 44xx broker (logged only), 45xx transport/storage.
var (
	ErrTokenMissing        = NewCodeError(4101, "missing_token")
	ErrTokenInvalid        = NewCodeError(4102, "invalid_token")
	ErrTokenExpired        = NewCodeError(4103, "expired_token")
	ErrVerifierUnavailable = NewCodeError(4106, "verifier_unavailable")

	ErrMalformedFrame = NewCodeError(4201, "malformed_frame")
	ErrUnknownType    = NewCodeError(4202, "unknown_type")
	ErrBadPayload     = NewCodeError(4203, "bad_payload")

	ErrForbidden     = NewCodeError(4301, "forbidden")
	ErrNotAMember    = NewCodeError(4302, "not_a_member")
	ErrTooManyGroups = NewCodeError(4303, "too_many_groups")

	ErrBrokerUnavailable = NewCodeError(4401, "broker_unavailable")

	ErrConnNotFound = NewCodeError(4501, "conn_not_found")
	ErrStoreFailed  = NewCodeError(4502, "store_failed")
)
