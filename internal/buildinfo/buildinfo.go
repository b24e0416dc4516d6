// Package buildinfo holds build identifiers stamped in with
// -ldflags "-X rtk/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the release version, else the commit, else "dev".
func Short() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	if Commit != "" && Commit != "unknown" {
		return Commit
	}
	return "dev"
}

// Long returns every identifier that was stamped in.
func Long() string {
	s := Short()
	if Commit != "" && Commit != "unknown" && Commit != s {
		s += " " + Commit
	}
	if Date != "" && Date != "unknown" {
		s += " " + Date
	}
	return s
}
