package logging_test

import (
	"bytes"
	"testing"

	"github.com/embedhttps/coreshttps/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestConfigureNilWriterDiscardsOutput(t *testing.T) {
	logging.Configure(nil, zerolog.DebugLevel)
	logging.Debugf("test.op", "hello %d", 1)
}

func TestConfigureRoutesOutputToWriter(t *testing.T) {
	var buf bytes.Buffer
	logging.Configure(&buf, zerolog.DebugLevel)
	defer logging.Configure(nil, zerolog.Disabled)

	logging.Debugf("test.op", "hello %d", 42)

	out := buf.String()
	assert.Contains(t, out, "test.op")
	assert.Contains(t, out, "hello 42")
}

func TestErrorfIncludesErrField(t *testing.T) {
	var buf bytes.Buffer
	logging.Configure(&buf, zerolog.DebugLevel)
	defer logging.Configure(nil, zerolog.Disabled)

	logging.Errorf("test.op", assertErr{}, "failed")

	assert.Contains(t, buf.String(), "boom")
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	logging.Configure(&buf, zerolog.ErrorLevel)
	defer logging.Configure(nil, zerolog.Disabled)

	logging.Debugf("test.op", "should not appear")

	assert.Empty(t, buf.String())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
