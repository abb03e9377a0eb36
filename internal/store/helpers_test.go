package store

import "github.com/msageha/patchd/internal/logx"

func testLogger() logx.Logger { return logx.Nop() }
