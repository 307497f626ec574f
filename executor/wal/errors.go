package wal

import (
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

type InvalidHeaderError string

func (msg InvalidHeaderError) Error() string {
	return errReport("%s: Invalid WAL header", string(msg))
}

// ReplayError is used when applying recovered entries to the main store
// fails. This is distinct from a torn or checksum-invalid trailing entry,
// which is an expected crash signature and merely bounds the replay.
type ReplayError string

func (msg ReplayError) Error() string {
	return errReport("%s: Error replaying WAL", string(msg))
}

func errReport(base, msg string) string {
	base = io.GetCallerFileContext(2) + ":" + base
	return fmt.Sprintf(base, msg)
}
