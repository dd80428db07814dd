package storage

import (
	"fmt"
	"os"

	"github.com/pageframe/storecore/common"
)

// WriteIndexDefinitions persists the opaque index-definitions blob for
// a committed revision under dir/indexes/<revision>.xml (spec.md §6
// "Index-definitions file"). Called by the commit pipeline only when
// the revision's index definitions are non-empty; this module treats
// the contents as opaque bytes supplied by the caller.
func WriteIndexDefinitions(dir string, revision uint64, contents []byte) error {
	indexDir := dir + "/indexes"
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return fmt.Errorf("%w: creating indexes dir: %v", common.ErrIO, err)
	}
	path := fmt.Sprintf("%s/%d.xml", indexDir, revision)
	if err := os.WriteFile(path, contents, 0644); err != nil {
		return fmt.Errorf("%w: writing index definitions: %v", common.ErrIO, err)
	}
	return nil
}

// ReadIndexDefinitions reads back a previously written index-definitions
// file, or (nil, false) if the revision had none.
func ReadIndexDefinitions(dir string, revision uint64) ([]byte, bool, error) {
	path := fmt.Sprintf("%s/indexes/%d.xml", dir, revision)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: reading index definitions: %v", common.ErrIO, err)
	}
	return data, true, nil
}
