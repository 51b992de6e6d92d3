package migration

import kverrors "github.com/kvshard/kvshard/pkg/errors"

// Local aliases keep call sites in this package terse while every wrapped
// error still satisfies errors.Is against the shared sentinels.
var (
	errCanceled  = kverrors.ErrMigrationCanceled
	errTransport = kverrors.ErrMigrationTransport
	errProtocol  = kverrors.ErrDestinationRejected
	errSeqGap    = kverrors.ErrSequenceGap
	errUnkind    = kverrors.ErrUnsupportedValueKind
)
