// Package version records ccdma version information.
//
// Release builds stamp commit, date, and dirty flag with -ldflags -X. Otherwise, VCS settings
// embedded by the Go toolchain are used when available.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"
)

// Variables replaced via -ldflags -X.
var (
	commit string
	date   string
	dirty  string
)

// Version records ccdma version information.
type Version struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	Date      time.Time `json:"date"`
	Dirty     bool      `json:"dirty"`
	GoVersion string    `json:"goVersion"`
}

func (v Version) String() string {
	return v.Version
}

// pseudo formats a Go module pseudo-version.
func (v *Version) pseudo() {
	suffix := ""
	if v.Dirty {
		suffix = "-dirty"
	}
	v.Version = fmt.Sprintf("v0.0.0-%s-%s%s", v.Date.UTC().Format("20060102150405"), v.Commit[:12], suffix)
}

func fromBuildInfo() (v Version, ok bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v, false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.time":
			v.Date, _ = time.Parse(time.RFC3339, s.Value)
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}
	return v, len(v.Commit) == 40
}

// Get returns version information.
func Get() (v Version) {
	defer func() { v.GoVersion = runtime.Version() }()

	if dt, e := strconv.ParseInt(date, 10, 64); e == nil && len(commit) == 40 {
		v.Commit, v.Date, v.Dirty = commit, time.Unix(dt, 0), dirty != ""
		v.pseudo()
		return v
	}

	if bv, ok := fromBuildInfo(); ok {
		v = bv
		v.pseudo()
		return v
	}

	return Version{
		Version: "development",
		Commit:  "unknown",
		Date:    time.Now(),
		Dirty:   true,
	}
}
