package models

import "errors"

// Error taxonomy shared by every capture component
var (
	// ErrValidation marks bad session parameters, reported before any I/O
	ErrValidation = errors.New("adalog: validation failed")
	// ErrConnection marks a stream that could not be connected
	ErrConnection = errors.New("adalog: stream connection failed")
	// ErrStreamRead marks a mid-session device failure
	ErrStreamRead = errors.New("adalog: stream read failed")
	// ErrStorage marks a disk write failure, fatal to the session
	ErrStorage = errors.New("adalog: storage failure")

	ErrNotRecording     = errors.New("adalog: not recording")
	ErrAlreadyRecording = errors.New("adalog: already recording")
	ErrBufferClosed     = errors.New("adalog: event buffer closed")
	ErrSourceNotFound   = errors.New("adalog: stream source not found")
)

// IsFatal reports whether err must end the session
func IsFatal(err error) bool {
	return errors.Is(err, ErrStorage)
}
