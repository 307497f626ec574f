package executor

import (
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

// WindowViolationError reports an access outside a column family's address
// window. This is a programming-error class failure, distinct from I/O
// failure, and is never masked or retried.
type WindowViolationError string

func (msg WindowViolationError) Error() string {
	return errReport("%s: Access outside column family window", string(msg))
}

// ShortFileError reports a physical file shorter than the length declared by
// the store header. The condition is unrecoverable for this process instance.
type ShortFileError string

func (msg ShortFileError) Error() string {
	return errReport("%s: Physical file shorter than declared layout length", string(msg))
}

type HeaderCorruptError string

func (msg HeaderCorruptError) Error() string {
	return errReport("%s: Store header failed validation", string(msg))
}

type HeaderOverflowError string

func (msg HeaderOverflowError) Error() string {
	return errReport("%s: Column family table does not fit the header region", string(msg))
}

type MetaOverflowError string

func (msg MetaOverflowError) Error() string {
	return errReport("%s: Page table does not fit the column family meta region", string(msg))
}

type WrongSizeError string

func (msg WrongSizeError) Error() string {
	return errReport("%s: Wrong page length", string(msg))
}

type TxnDoneError string

func (msg TxnDoneError) Error() string {
	return errReport("%s: Transaction already committed or aborted", string(msg))
}

func errReport(base, msg string) string {
	base = io.GetCallerFileContext(2) + ":" + base
	return fmt.Sprintf(base, msg)
}
