/*
	This file holds types and functions supporting command-line activity.
*/

package dvid

import (
	"strings"
)

// Command holds a command line.  The first item in the string slice is the command,
// e.g., "load" or "count".  The other arguments are command arguments or optional
// settings of the form "<key>=<value>".
type Command []string

// String returns a space-separated command line
func (cmd Command) String() string {
	return strings.Join([]string(cmd), " ")
}

// Name returns the first argument which is assumed to be the name of the command.
func (cmd Command) Name() string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0]
}

// Argument returns the i-th argument that is not a "key=value" setting, where
// the command name is argument 0.  The empty string is returned if there is
// no such argument.
func (cmd Command) Argument(pos int) string {
	var cur int
	for _, arg := range cmd {
		if isSetting(arg) {
			continue
		}
		if cur == pos {
			return arg
		}
		cur++
	}
	return ""
}

// Arguments returns all non-setting arguments after the command name.
func (cmd Command) Arguments() []string {
	var args []string
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			if !isSetting(arg) {
				args = append(args, arg)
			}
		}
	}
	return args
}

// Parameter scans a command for any "key=value" argument and returns
// the value of the passed 'key'.
func (cmd Command) Parameter(key string) (value string, found bool) {
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 && elems[0] == key {
				value = elems[1]
				found = true
				return
			}
		}
	}
	return
}

// Settings returns all "key=value" arguments as a map.
func (cmd Command) Settings() map[string]string {
	settings := make(map[string]string)
	if len(cmd) > 1 {
		for _, arg := range cmd[1:] {
			elems := strings.SplitN(arg, "=", 2)
			if len(elems) == 2 {
				settings[elems[0]] = elems[1]
			}
		}
	}
	return settings
}

func isSetting(arg string) bool {
	return strings.Contains(arg, "=")
}
