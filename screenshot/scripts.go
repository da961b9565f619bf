package screenshot

import (
	_ "embed"
)

// Scripts are versioned; parameters travel as JSON arguments.
var (
	//go:embed scripts/wait_unbind.v1.js
	waitUnbindScript string

	//go:embed scripts/unbind.v1.js
	unbindScript string
)

// jquerySelector finds a jQuery script tag for waitUnbindScript.
const jquerySelector = `script[src*="jquery"]`

// warningButtonID is the control Safari shows when a URL carries credentials.
const warningButtonID = "ignoreWarning"
