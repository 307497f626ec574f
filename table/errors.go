package table

import (
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

type ReadOnlyError string

func (msg ReadOnlyError) Error() string {
	return errReport("%s: Table opened on a read transaction", string(msg))
}

type CorruptTableError string

func (msg CorruptTableError) Error() string {
	return errReport("%s: Table data corrupt", string(msg))
}

type DirectoryOverflowError string

func (msg DirectoryOverflowError) Error() string {
	return errReport("%s: Table directory exceeds one page", string(msg))
}

type KeyTooLargeError string

func (msg KeyTooLargeError) Error() string {
	return errReport("%s: Key exceeds encodable size", string(msg))
}

func errReport(base, msg string) string {
	base = io.GetCallerFileContext(2) + ":" + base
	return fmt.Sprintf(base, msg)
}
