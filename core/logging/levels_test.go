package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/ccdma/core/logging"
)

func TestPkgLevel(t *testing.T) {
	t.Setenv("CCDMA_LOG_LevelsTestA", "WARN")
	t.Setenv("CCDMA_LOG", "E")

	a := logging.GetLevel("LevelsTestA")
	assert.Equal(t, byte('W'), a.Level())
	assert.Equal(t, "LevelsTestA", a.Package())
	assert.Same(t, a, logging.FindLevel("LevelsTestA"))

	b := logging.GetLevel("LevelsTestB")
	assert.Equal(t, byte('E'), b.Level())

	b.SetLevel("debug")
	assert.Equal(t, byte('I'), b.Level())
	b.SetLevel("DEBUG")
	assert.Equal(t, byte('D'), b.Level())
	b.SetLevel("")
	assert.Equal(t, byte('I'), b.Level())

	assert.Nil(t, logging.FindLevel("LevelsTestC"))
	found := 0
	for _, pl := range logging.ListLevels() {
		switch pl.Package() {
		case "LevelsTestA", "LevelsTestB":
			found++
		}
	}
	assert.Equal(t, 2, found)
}
