//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes a trace line to stderr; never pass key material or PINs
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "DEBUG: "+format, args...)
}
