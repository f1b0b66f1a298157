package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Rank is the sending partition, for logging only.
	Rank   int    `json:"rank"`
	RunID  string `json:"run_id,omitempty"`
	Client string `json:"client,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	// Ranks lists the partitions whose channels this server hosts.
	Ranks []int `json:"ranks"`
	// CapacityRecords is the per-channel capacity, in records.
	CapacityRecords int `json:"capacity_records"`
}

// FETCH_ADD (client -> server): atomically add Delta slots to the target
// partition's counter and return the previous value.
type FetchAddMsg struct {
	Type  string `json:"type"`
	Seq   uint64 `json:"seq"`
	Rank  int    `json:"rank"`
	Delta int    `json:"delta"`
}

// PUT (client -> server): write Slots at Offset in the target partition's
// buffer. Offset must come from an earlier FETCH_ADD on the same rank.
type PutMsg struct {
	Type   string    `json:"type"`
	Seq    uint64    `json:"seq"`
	Rank   int       `json:"rank"`
	Offset int       `json:"offset"`
	Slots  []float64 `json:"slots"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq"`
	OK      bool   `json:"ok"`
	Offset  int    `json:"offset,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
