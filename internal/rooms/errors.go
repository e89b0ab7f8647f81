package rooms

import "errors"

var (
	ErrRoomNotFound  = errors.New("room_not_found")
	ErrRoomClosed    = errors.New("room_closed")
	ErrWrongPassword = errors.New("wrong_password")
	ErrNameTaken     = errors.New("name_taken")
	ErrNameInvalid   = errors.New("name_invalid")
	ErrNameRejected  = errors.New("name_rejected")
	ErrCodeExhausted = errors.New("room_code_space_exhausted")
)
