package covdata

import (
	"github.com/egdaemon/covdata/internal/errorsx"
)

// ConfigError indicates the engine was misconfigured, e.g. an unusable
// alias pattern or invalid combine arguments.
type ConfigError struct {
	err error
}

func (t *ConfigError) Error() string {
	return t.err.Error()
}

func (t *ConfigError) Unwrap() error {
	return t.err
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{err: errorsx.Errorf(format, args...)}
}

// DataError indicates an unusable, corrupt or inconsistent data file.
type DataError struct {
	err error
}

func (t *DataError) Error() string {
	return t.err.Error()
}

func (t *DataError) Unwrap() error {
	return t.err
}

func dataError(err error) error {
	if err == nil {
		return nil
	}

	return &DataError{err: err}
}

func dataErrorf(format string, args ...interface{}) error {
	return &DataError{err: errorsx.Errorf(format, args...)}
}

// NoDataError indicates an operation requiring existing measurements found
// none at all.
type NoDataError struct {
	err error
}

func (t *NoDataError) Error() string {
	return t.err.Error()
}

func (t *NoDataError) Unwrap() error {
	return t.err
}

func noDataErrorf(format string, args ...interface{}) error {
	return &NoDataError{err: errorsx.Errorf(format, args...)}
}
