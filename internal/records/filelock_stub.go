//go:build !unix

package records

import "os"

// lockFile is a no-op where fcntl locks are unavailable; the in-process
// mutex still serialises writers.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
