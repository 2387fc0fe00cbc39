package protocol

// EVENT_BATCH (server -> client): events replayed after SUBSCRIBE.since_seq,
// sent before live delivery resumes.
type EventBatchMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Events          []Event `json:"events"`
	NextSeq         uint64  `json:"next_seq"`
}
