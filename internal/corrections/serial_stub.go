//go:build !linux

package corrections

import (
	"fmt"
	"os"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("corrections: serial sources not supported on this platform")
}
