package version

// Version is filled in by the CI/CD pipeline at release time.
var Version string = "0.0.0"
