// Package errorsx provides utility functions for working with errors.
package errorsx

import (
	"log"

	"github.com/pkg/errors"
)

func New(msg string) error {
	return errors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Wrap annotates err with msg, nil errors remain nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf annotates err with the formatted message, nil errors remain nil.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Cause(err error) error {
	return errors.Cause(err)
}

// Zero returns the value discarding the error.
func Zero[T any](v T, _ error) T {
	return v
}

// Must returns the value, panicking if err is non-nil.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// Log the error if its non-nil.
func Log(err error) {
	if err == nil {
		return
	}

	log.Output(2, err.Error())
}

// String returns the error message or the empty string for nil errors.
func String(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

// Compact returns the first non-nil error from the set.
func Compact(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
