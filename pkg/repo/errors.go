package repo

import (
	"errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	platformerrors "github.com/jmgilman/go/errors"
)

// wrapError classifies a go-git error into a platform error carrying
// message as context. The original error stays in the chain for errors.Is.
// If err is nil, returns nil.
func wrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	var pe platformerrors.PlatformError
	if errors.As(err, &pe) {
		return platformerrors.Wrap(err, pe.Code(), message)
	}
	return platformerrors.Wrap(err, classifyError(err), message)
}

// classifyError maps go-git sentinels to platform error codes. Anything
// unrecognised is an execution failure.
func classifyError(err error) platformerrors.ErrorCode {
	switch {
	case errors.Is(err, gogit.ErrRepositoryNotExists),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, plumbing.ErrObjectNotFound),
		errors.Is(err, gogit.ErrRemoteNotFound):
		return platformerrors.CodeNotFound

	case errors.Is(err, gogit.ErrBranchExists),
		errors.Is(err, gogit.ErrTagExists),
		errors.Is(err, gogit.ErrRemoteExists):
		return platformerrors.CodeAlreadyExists

	case errors.Is(err, gogit.ErrWorktreeNotClean),
		errors.Is(err, gogit.ErrUnstagedChanges),
		errors.Is(err, gogit.ErrEmptyCommit):
		return platformerrors.CodeConflict

	case errors.Is(err, gogit.ErrMissingAuthor),
		errors.Is(err, gogit.ErrMissingName),
		errors.Is(err, gogit.ErrHashOrReference),
		errors.Is(err, gogit.ErrBranchHashExclusive),
		errors.Is(err, gogit.ErrIsBareRepository):
		return platformerrors.CodeInvalidInput

	default:
		return platformerrors.CodeExecutionFailed
	}
}
