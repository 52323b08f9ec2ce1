package lli_test

import (
	"github.com/usnistgov/ccdma/core/testenv"
)

var makeAR = testenv.MakeAR
