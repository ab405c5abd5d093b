package champ

import (
	"errors"

	"github.com/orneryd/champ/pkg/events"
	"github.com/orneryd/champ/pkg/index"
	"github.com/orneryd/champ/pkg/model"
	"github.com/orneryd/champ/pkg/schema"
	"github.com/orneryd/champ/pkg/storage"
	"github.com/orneryd/champ/pkg/txn"
)

// Error kinds callers can match with errors.Is. They alias the errors of the
// packages that raise them.
var (
	ErrMalformedEntity    = model.ErrMalformedEntity
	ErrSchemaViolation    = schema.ErrSchemaViolation
	ErrIndexNotExists     = index.ErrIndexNotExists
	ErrIndexNotReady      = index.ErrIndexNotReady
	ErrDanglingReference  = txn.ErrDanglingReference
	ErrNotFound           = storage.ErrNotFound
	ErrStorageUnavailable = storage.ErrStorageUnavailable
	ErrCommitConflict     = storage.ErrCommitConflict
	ErrEventPublishFailed = events.ErrEventPublishFailed

	ErrUnknownBackend = errors.New("unknown backend")
	ErrShutdown       = errors.New("champ has been shut down")
	ErrInvalidName    = errors.New("invalid graph name")
)

// IsRetryable reports whether retrying the whole partition may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCommitConflict) || errors.Is(err, ErrStorageUnavailable)
}
