package cli

// Version is the release version, overridden via ldflags at build time.
var Version = "dev"
