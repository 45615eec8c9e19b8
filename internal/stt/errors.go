package stt

import "errors"

// ErrTranscription marks every failure that prevents a transcript from being
// produced: the recognizer could not start, timed out or exited non-zero.
var ErrTranscription = errors.New("transcription failed")

// ConversionError reports a failed resample/downmix step. It matches
// ErrTranscription under errors.Is.
type ConversionError struct {
	Err error
}

func (e *ConversionError) Error() string {
	return "audio conversion failed: " + e.Err.Error()
}

func (e *ConversionError) Unwrap() []error {
	return []error{ErrTranscription, e.Err}
}
