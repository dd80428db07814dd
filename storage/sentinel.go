package storage

import (
	"fmt"
	"os"

	"github.com/pageframe/storecore/common"
)

// sentinelName is the zero-byte marker present iff a commit is in
// progress (spec.md §6 "Sentinel commit file").
const sentinelName = "COMMIT_IN_PROGRESS"

// ArmSentinel creates the zero-byte commit-in-progress marker. Called
// as the first step of the commit pipeline, before any page is
// written.
func ArmSentinel(dir string) error {
	path := dir + "/" + sentinelName
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: arming sentinel: %v", common.ErrIO, err)
	}
	return f.Close()
}

// DisarmSentinel removes the marker. Called as the final step of a
// successful commit pipeline.
func DisarmSentinel(dir string) error {
	path := dir + "/" + sentinelName
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: disarming sentinel: %v", common.ErrIO, err)
	}
	return nil
}

// SentinelPresent reports whether a commit was left in progress,
// meaning the previous process crashed mid-commit. Checked by Open
// before trusting the uber page trailer (spec.md §7: "The commit-file
// sentinel ensures a half-written commit is detected on next open").
func SentinelPresent(dir string) bool {
	_, err := os.Stat(dir + "/" + sentinelName)
	return err == nil
}
