package catalog

import (
	"fmt"

	"github.com/chertdb/chert/utils/io"
)

type FamilyAlreadyExists string

func (msg FamilyAlreadyExists) Error() string {
	return errReport("%s: Column family already exists", string(msg))
}

type FamilyNotFound string

func (msg FamilyNotFound) Error() string {
	return errReport("%s: Column family not found", string(msg))
}

type UnableToSerializeCatalog string

func (msg UnableToSerializeCatalog) Error() string {
	return errReport("%s: Unable to serialize column family catalog", string(msg))
}

type UnableToLoadCatalog string

func (msg UnableToLoadCatalog) Error() string {
	return errReport("%s: Unable to load column family catalog", string(msg))
}

func errReport(base, msg string) string {
	base = io.GetCallerFileContext(2) + ":" + base
	return fmt.Sprintf(base, msg)
}
