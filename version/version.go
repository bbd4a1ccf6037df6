package version

// Version represents the Major.Minor.Patch version tag
// from GIT, supplied by the Makefile - else 'dev' as a
// default
var Version string = "dev"

// UserAgent is sent on every outbound Net2 request
func UserAgent() string {
	return "net2-doors/" + Version
}
