// Package errors defines sentinel errors used across the AutoCache project.
package errors

import "errors"

// Sentinel errors for key operations.
var (
	// ErrKeyNotFound indicates that the requested key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrWrongType indicates a type mismatch for the value stored under a key.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

	// ErrNotInteger indicates the value is not a valid integer.
	ErrNotInteger = errors.New("value is not an integer or out of range")

	// ErrNotFloat indicates the value is not a valid float.
	ErrNotFloat = errors.New("value is not a valid float")

	// ErrKeyExpired indicates the key has expired.
	ErrKeyExpired = errors.New("key expired")
)

// Sentinel errors for cluster operations.
var (
	// ErrClusterDown indicates the cluster is not available.
	ErrClusterDown = errors.New("CLUSTERDOWN The cluster is down")

	// ErrMoved indicates the key belongs to a different node.
	ErrMoved = errors.New("MOVED")

	// ErrAsk indicates the key is being migrated to a different node.
	ErrAsk = errors.New("ASK")

	// ErrCrossSlot indicates keys belong to different slots.
	ErrCrossSlot = errors.New("CROSSSLOT Keys in request don't hash to the same slot")
)

// Sentinel errors for connection/protocol.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrNoAuth indicates authentication is required.
	ErrNoAuth = errors.New("NOAUTH Authentication required")

	// ErrInvalidArgs indicates wrong number of arguments.
	ErrInvalidArgs = errors.New("wrong number of arguments")
)

// Sentinel errors for memory/eviction.
var (
	// ErrOOM indicates out of memory when maxmemory is reached.
	ErrOOM = errors.New("OOM command not allowed when used memory > 'maxmemory'")
)

// Sentinel errors for slot migration.
var (
	// ErrMigrationInProgress indicates a migration job was submitted while
	// another one is already in flight.
	ErrMigrationInProgress = errors.New("there is already a migrating slot")

	// ErrSlotNotOwned indicates the requested slot does not belong to this
	// node, so it cannot be the source of a migration.
	ErrSlotNotOwned = errors.New("slot is not owned by this node")

	// ErrInvalidMigrationArgs indicates the migration job's arguments
	// failed validation.
	ErrInvalidMigrationArgs = errors.New("invalid migration arguments")

	// ErrMigrationCanceled indicates the migration was stopped cooperatively
	// (operator stop, role demotion, or an invalidating flush) rather than
	// failing on a transport or protocol error.
	ErrMigrationCanceled = errors.New("migration canceled")

	// ErrDestinationRejected indicates the destination answered a restore
	// command with an error frame.
	ErrDestinationRejected = errors.New("destination rejected restore command")

	// ErrMigrationTransport indicates a connect, send, or receive failure
	// talking to the destination.
	ErrMigrationTransport = errors.New("migration transport failure")

	// ErrSequenceGap indicates the WAL tailer observed a batch whose
	// starting sequence does not immediately follow the replay cursor.
	ErrSequenceGap = errors.New("WAL sequence gap detected")

	// ErrSnapshotUnavailable indicates the engine could not provide a
	// consistent snapshot for the migration.
	ErrSnapshotUnavailable = errors.New("snapshot unavailable")

	// ErrUnsupportedValueKind indicates a key's value kind has no codec,
	// which signals schema drift rather than a recoverable condition.
	ErrUnsupportedValueKind = errors.New("unsupported value kind")

	// ErrNoActiveMigration indicates an operator command referred to a
	// migration when none is in flight.
	ErrNoActiveMigration = errors.New("no migration in progress")
)
