package service

import (
	"errors"

	"github.com/S1riyS/ext2-server/internal/ext2"
	"github.com/S1riyS/ext2-server/internal/pkg/kerrors"
)

type ServiceError struct {
	Code    int64
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) GetCode() int64 {
	return e.Code
}

var errnoByErr = []struct {
	err  error
	code int64
}{
	{ext2.ErrNotFound, kerrors.ENOENT},
	{ext2.ErrInodeReleased, kerrors.ENOENT},
	{ext2.ErrExists, kerrors.EEXIST},
	{ext2.ErrNotDir, kerrors.ENOTDIR},
	{ext2.ErrIsDir, kerrors.EISDIR},
	{ext2.ErrNotEmpty, kerrors.ENOTEMPTY},
	{ext2.ErrNameTooLong, kerrors.ENAMETOOLONG},
	{ext2.ErrOutOfSpace, kerrors.ENOSPC},
	{ext2.ErrNoFreeInodes, kerrors.ENOSPC},
	{ext2.ErrOutOfRange, kerrors.EFBIG},
	{ext2.ErrTooManyLinks, kerrors.EMLINK},
	{ext2.ErrInvalid, kerrors.EINVAL},
}

// toServiceError turns an engine error into a ServiceError carrying the
// matching errno. Anything unrecognised is reported as EIO.
func toServiceError(err error) error {
	if err == nil {
		return nil
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}

	for _, m := range errnoByErr {
		if errors.Is(err, m.err) {
			return &ServiceError{Code: m.code, Message: err.Error()}
		}
	}
	return &ServiceError{Code: kerrors.EIO, Message: err.Error()}
}
