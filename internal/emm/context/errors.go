package context

import "errors"

var errAlreadyRunning = errors.New("emm context: a specific procedure is already running")
