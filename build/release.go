package build

import "os"

// Release identifies which build variant this binary was compiled as. It
// governs which of a Var's three fields Select returns, and whether Critical
// and Severe panic or merely log. The teacher selects this at compile time
// via build-tagged files (release_standard.go / release_dev.go /
// release_testing.go); driftsync keeps the same three-way switch but reads
// it from an environment variable so a single binary can run its test suite
// without a separate build tag set.
var Release = func() string {
	switch os.Getenv("DRIFTSYNC_RELEASE") {
	case "dev":
		return "dev"
	case "testing":
		return "testing"
	default:
		return "standard"
	}
}()

// DEBUG controls whether Critical and Severe panic in addition to logging.
var DEBUG = Release != "standard"
