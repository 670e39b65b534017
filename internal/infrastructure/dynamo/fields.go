package dynamo

import "time"

// DynamoDB attribute names of the ephemeral state table.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	attrKey         = "key"
	attrValue       = "value"
	attrCounter     = "counter"
	attrWindow      = "window"
	attrExpiresAt   = "expires_at" // epoch seconds, native TTL attribute
	attrExpiresAtMs = "expires_at_ms"
	attrVersion     = "version"
)

const (
	maxWriteRetries  = 5
	tableWaitTimeout = 2 * time.Minute
)
