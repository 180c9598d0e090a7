package protocol

// Payload structs for the envelope types that carry one. Chunk bytes ride as
// base64 through encoding/json's []byte handling.

// RegisterPayload is carried by register, registered and peer-disconnected.
type RegisterPayload struct {
	PeerID string `json:"peerId"`
}

// FileStartPayload announces an incoming transfer. FileSize is the length of
// the encrypted payload about to be chunked, so the receiver can pre-size
// its slot array with ceil(FileSize/ChunkSize).
type FileStartPayload struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileType   string `json:"fileType"`
}

// FileChunkPayload carries one ciphertext slice.
type FileChunkPayload struct {
	TransferID  string `json:"transferId"`
	ChunkIndex  int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Chunk       []byte `json:"chunk"`
}

// FileCompletePayload marks the end of a chunk sequence.
type FileCompletePayload struct {
	TransferID string `json:"transferId"`
}

// ErrorPayload is carried by error envelopes. OriginalMessage echoes the
// frame that triggered the error when one exists (peer_not_found).
type ErrorPayload struct {
	Error           ErrorCode `json:"error"`
	Message         string    `json:"message"`
	OriginalMessage *Envelope `json:"originalMessage,omitempty"`
}
