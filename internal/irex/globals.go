package irex

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gookit/color"
)

// GLOBAL STATE
// A value of 1 means a critical phase (install) is in progress and the
// signal handler must not abort on the first Ctrl+C.
var isCriticalAtomic atomic.Int32

// Global variables
var (
	prefix     string // PREFIX: install root, also the -I/-L search root
	repoPaths  string // IREX_PATH: colon-separated recipe repositories
	tmpDir     string
	CacheDir   = "/var/cache/irex"
	SourcesDir string
	BinDir     string
	CacheStore string
	Installed  string // $PREFIX/var/db/irex/installed
	ConfigFile = "/etc/irex.conf"
	Debug      bool
	Verbose    bool

	sourceMirrorURL         string
	sourceMirrorMessageOnce sync.Once

	version   = "dev"     // overridden at build time
	arch      = runtime.GOARCH
	buildDate = "unknown" // overridden at build time

	errRecipeNotFound = errors.New("recipe not found")

	// Global executors (assigned in Main)
	UserExec *Executor
	RootExec *Executor
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)

// color-compatible printer interface (works with *color.Theme and *color.Style)
type colorPrinter interface {
	Printf(format string, a ...any)
	Println(a ...any)
}

// debugf prints debug messages when Debug is true
func debugf(format string, args ...any) {
	if Debug {
		color.Gray.Printf(format, args...)
	}
}
