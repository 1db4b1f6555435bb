package vm

import "github.com/tliron/commonlog"

// Loggers are looked up on use so that a backend configured after package
// initialization is honored.

func heapLog() commonlog.Logger     { return commonlog.GetLogger("cldc.heap") }
func jitLog() commonlog.Logger      { return commonlog.GetLogger("cldc.jit") }
func callInfoLog() commonlog.Logger { return commonlog.GetLogger("cldc.callinfo") }
func gcLog() commonlog.Logger       { return commonlog.GetLogger("cldc.gc") }
