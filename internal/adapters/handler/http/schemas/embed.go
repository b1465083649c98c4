package schemas

import _ "embed"

//go:embed enqueue_change.schema.json
var EnqueueChange []byte
