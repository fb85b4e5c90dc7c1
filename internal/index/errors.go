package index

import "errors"

var (
	// ErrDuplicateDatasource is returned when registering a name that
	// already exists in either state.
	ErrDuplicateDatasource = errors.New("datasource already exists")

	// ErrBuildInProgress is returned when a build is requested for a name
	// whose build is already in flight.
	ErrBuildInProgress = errors.New("index build already in progress")

	// ErrDatasourceNotFound is returned for operations on unknown names.
	ErrDatasourceNotFound = errors.New("datasource not found")

	// ErrDatasourceNotReady is returned when retrieval targets a
	// datasource whose index build has not finished.
	ErrDatasourceNotReady = errors.New("datasource index is still building")

	// ErrIndexBuildFailed wraps the terminal failure of a build after
	// retries are exhausted.
	ErrIndexBuildFailed = errors.New("index build failed")
)
