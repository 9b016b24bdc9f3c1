/*
	Package dvid provides types, constants and functions that have no other dependencies
	and can be used by all packages within the mask/chan loader.
*/
package dvid

import (
	"fmt"
	"path/filepath"
	"runtime"
)

const (
	Kilo = 1 << 10
	Mega = 1 << 20
	Giga = 1 << 30
	Tera = 1 << 40
)

// NumCPU is the number of cores available to this process.
var NumCPU = runtime.NumCPU()

// ConvertToAbsolute returns an absolute path for the given path, assuming relative
// paths are relative to the given root directory.
func ConvertToAbsolute(path, rootDir string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path cannot be made absolute")
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	return filepath.Abs(filepath.Join(rootDir, path))
}
