package models

// WebSocket close codes used to refuse or terminate a connection. The
// numeric values are part of the wire contract and must not change.
const (
	CloseInvalidParams      = 4000
	CloseRoomNotFound       = 4001
	CloseRoomEnded          = 4002
	CloseOriginRejected     = 4003
	CloseRoleOccupied       = 4004
	CloseRoomExpired        = 4005
	CloseTooManyConnections = 4006
	CloseInactivity         = 4007
)

var closeReasons = map[int]string{
	CloseInvalidParams:      "invalid_parameters",
	CloseRoomNotFound:       "room_not_found",
	CloseRoomEnded:          "room_ended",
	CloseOriginRejected:     "origin_rejected",
	CloseRoleOccupied:       "role_occupied",
	CloseRoomExpired:        "room_expired",
	CloseTooManyConnections: "too_many_connections",
	CloseInactivity:         "inactivity_timeout",
}

// CloseReason returns the stable reason string sent alongside a close code.
func CloseReason(code int) string {
	if r, ok := closeReasons[code]; ok {
		return r
	}
	return "closed"
}

// IsFatalClose reports whether a client must not reconnect after the relay
// closed its socket with code.
func IsFatalClose(code int) bool {
	_, ok := closeReasons[code]
	return ok
}

// Error strings returned by the admission endpoints.
const (
	ErrCodeBadRequest        = "bad_request"
	ErrCodeRoomNotFound      = "room_not_found"
	ErrCodePasswordRequired  = "password_required"
	ErrCodeIncorrectPassword = "incorrect_password"
	ErrCodeTryLater          = "try_later"
	ErrCodeInternal          = "internal_error"
)
