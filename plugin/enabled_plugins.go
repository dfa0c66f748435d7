package plugin

// executors
import (
	_ "github.com/pmkol/resync/plugin/executor/http_forward"
	_ "github.com/pmkol/resync/plugin/executor/log_sink"
)
