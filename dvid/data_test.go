package dvid

import (
	"fmt"
	"strings"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DataSuite struct{}

var _ = Suite(&DataSuite{})

func (s *DataSuite) TestCommand(c *C) {
	cmd := Command{"load", "scene.json", "segments=4", "pool=2", "extra"}
	c.Assert(cmd.Name(), Equals, "load")
	c.Assert(cmd.Argument(1), Equals, "scene.json")
	c.Assert(cmd.Argument(2), Equals, "extra")
	c.Assert(cmd.Argument(3), Equals, "")
	c.Assert(cmd.Arguments(), DeepEquals, []string{"scene.json", "extra"})

	value, found := cmd.Parameter("segments")
	c.Assert(found, Equals, true)
	c.Assert(value, Equals, "4")
	_, found = cmd.Parameter("timeout")
	c.Assert(found, Equals, false)

	settings := cmd.Settings()
	c.Assert(len(settings), Equals, 2)
	c.Assert(settings["pool"], Equals, "2")
	c.Assert(cmd.String(), Equals, "load scene.json segments=4 pool=2 extra")

	var empty Command
	c.Assert(empty.Name(), Equals, "")
}

func (s *DataSuite) TestConvertToAbsolute(c *C) {
	abs, err := ConvertToAbsolute("/var/data/masks", "/tmp")
	c.Assert(err, IsNil)
	c.Assert(abs, Equals, "/var/data/masks")

	abs, err = ConvertToAbsolute("masks", "/tmp/root")
	c.Assert(err, IsNil)
	c.Assert(abs, Equals, "/tmp/root/masks")

	_, err = ConvertToAbsolute("", "/tmp")
	c.Assert(err, NotNil)
}

type capturedLogger struct {
	lines []string
}

func (cl *capturedLogger) add(level, format string, args ...interface{}) {
	cl.lines = append(cl.lines, level+" "+fmt.Sprintf(format, args...))
}

func (cl *capturedLogger) Debugf(format string, args ...interface{}) {
	cl.add("DEBUG", format, args...)
}

func (cl *capturedLogger) Infof(format string, args ...interface{}) {
	cl.add("INFO", format, args...)
}

func (cl *capturedLogger) Warningf(format string, args ...interface{}) {
	cl.add("WARNING", format, args...)
}

func (cl *capturedLogger) Errorf(format string, args ...interface{}) {
	cl.add("ERROR", format, args...)
}

func (cl *capturedLogger) Shutdown() {}

func (s *DataSuite) TestLogMode(c *C) {
	captured := &capturedLogger{}
	SetLoggerTo(captured)
	defer SetLoggerTo(nil)
	defer SetLogMode(InfoMode)

	SetLogMode(WarningMode)
	Debugf("dropped %d", 1)
	Infof("dropped %d", 2)
	Warningf("kept %d", 3)
	Errorf("kept %d", 4)
	c.Assert(captured.lines, DeepEquals, []string{"WARNING kept 3", "ERROR kept 4"})

	captured.lines = nil
	SetLogMode(DebugMode)
	NewTimeLog().Debugf("loaded %s", "frag")
	c.Assert(len(captured.lines), Equals, 1)
	c.Assert(strings.HasPrefix(captured.lines[0], "DEBUG loaded frag: "), Equals, true)

	captured.lines = nil
	SetLogMode(SilentMode)
	Errorf("dropped")
	c.Assert(captured.lines, HasLen, 0)
}
