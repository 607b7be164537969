package version

// Flag marks development builds. It is empty on tagged releases.
const Flag = "develop"

var (
	// Version is the full version string
	Version = "0.1.0"

	// GitCommit is set with --ldflags "-X github.com/mosaicnetworks/shardcast/src/version.GitCommit=$(git rev-parse HEAD)"
	GitCommit string
)

func init() {
	Version = Full(Version, Flag, GitCommit)
}

// Full appends the flag and the short commit hash, when set, to a version
// number.
func Full(version, flag, commit string) string {
	if flag != "" {
		version += "-" + flag
	}

	if len(commit) >= 8 {
		version += "-" + commit[:8]
	}

	return version
}
