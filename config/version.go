package config

// Version is the runner's release version, baked in at build time via
// -ldflags the way the teacher's build does.
var Version = "1.1.0"

// UserAgent is the HTTP User-Agent the Server Client sends on every
// request (spec §4.E), so server-side logs can distinguish runner builds.
func UserAgent() string {
	return "stride-runner/" + Version
}
