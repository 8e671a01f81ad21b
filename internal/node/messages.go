package node

// Message kinds on the gossip path. The first byte of every peer message
// selects the handler; the rest is the record in its normative encoding.
const (
	kindVertex     = 1 // canonical vertex encoding
	kindOnionCell  = 2 // fixed-size onion cell
	kindDarkRecord = 3 // dark record push
)

// Request kinds on the request/response path.
const (
	reqPreference  = 1 // preference query: 32-byte vertex id
	reqDarkResolve = 2 // resolve query: name bytes
)

// Replies to reqDarkResolve: one status byte, then the address on success.
const (
	darkReplyOK = iota
	darkReplyNotFound
	darkReplyExpired
	darkReplyBadSignature
	darkReplyRateLimited
	darkReplyRevoked
)

// Application message kinds tunneled through circuits. The first byte of a
// circuit payload selects the handler at the exit hop.
const (
	appData        = 0 // opaque application payload
	appDarkResolve = 1 // anonymous resolve request: req_id:u64 | name
	appDarkReply   = 2 // anonymous resolve reply: req_id:u64 | status:u8 | address
)
