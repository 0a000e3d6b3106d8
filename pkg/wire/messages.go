package wire

import "github.com/doytsujin/ciruela/pkg/image"

// AbortReason enumerates the tags a daemon reports on AbortedImage.
// The set is fixed by the contract; do not add ad-hoc reasons.
type AbortReason string

const (
	ReasonCantFetchIndex         AbortReason = "cant_fetch_index"
	ReasonCantCreateDirectory    AbortReason = "cant_create_directory"
	ReasonInternalHardlinkError  AbortReason = "internal_error_when_hardlinking"
	ReasonClusterAbortNoSource   AbortReason = "cluster_abort_no_file_source"
	ReasonCommitError            AbortReason = "commit_error"
)

// Signature is one signer's signature over (path, image_id, timestamp_ms).
type Signature struct {
	Signer    string `cbor:"signer"`
	Signature []byte `cbor:"signature"`
}

// AppendDirRequest asks the receiver to add image_id as a new, dated
// version at path, keeping any existing versions there.
type AppendDirRequest struct {
	ImageID    image.Hash  `cbor:"image_id"`
	Timestamp  int64       `cbor:"timestamp_ms"`
	Path       string      `cbor:"path"`
	Signatures []Signature `cbor:"signatures"`
}

// ReplaceDirRequest asks the receiver to swap the current version at
// path for image_id. OldImage, when set, is a compare-and-swap guard:
// the request is rejected unless the current image equals OldImage.
type ReplaceDirRequest struct {
	ImageID    image.Hash  `cbor:"image_id"`
	Timestamp  int64       `cbor:"timestamp_ms"`
	OldImage   *image.Hash `cbor:"old_image,omitempty"`
	Path       string      `cbor:"path"`
	Signatures []Signature `cbor:"signatures"`
}

// DirResponse answers both AppendDir and ReplaceDir.
type DirResponse struct {
	Accepted bool              `cbor:"accepted"`
	Hosts    map[string]string `cbor:"hosts"`
}

// GetIndexRequest asks a peer for the serialized index of image_id.
type GetIndexRequest struct {
	ImageID image.Hash `cbor:"image_id"`
}

// GetIndexResponse carries the requested index's raw bytes. The
// caller must verify sha(Data) == the requested image id before
// trusting it.
type GetIndexResponse struct {
	Data []byte `cbor:"data"`
}

// BlockHint helps a server locate a requested block without needing
// its own copy of the index: the virtual path the block belongs to,
// the file it lives in, and its byte offset.
type BlockHint struct {
	Path     string `cbor:"path"`
	FilePath string `cbor:"file_path"`
	Offset   int64  `cbor:"offset"`
}

// GetBlockRequest asks a peer for the bytes of a single content-
// addressed block. Hint is optional in the message, but both the
// daemon and the uploading client answer a request without a Hint
// with an ErrorResponse.
type GetBlockRequest struct {
	Hash image.Hash `cbor:"hash"`
	Hint *BlockHint `cbor:"hint,omitempty"`
}

// GetBlockResponse carries one block's raw bytes.
type GetBlockResponse struct {
	Data []byte `cbor:"data"`
}

// GetBaseDirRequest asks for the committed contents of a base
// directory (the parent under which dated or replaced images live).
type GetBaseDirRequest struct {
	Path string `cbor:"path"`
}

// BaseDirEntry is one named child of a base directory, in display
// order.
type BaseDirEntry struct {
	Name  string `cbor:"name"`
	State string `cbor:"state"`
}

// GetBaseDirResponse answers GetBaseDirRequest.
type GetBaseDirResponse struct {
	ConfigHash   image.Hash     `cbor:"config_hash"`
	KeepListHash image.Hash     `cbor:"keep_list_hash"`
	Dirs         []BaseDirEntry `cbor:"dirs"`
}

// ErrorResponse is sent in place of any of the above when a request
// cannot be honored at all (malformed request, unknown image, etc).
type ErrorResponse struct {
	Message string `cbor:"message"`
}

// PublishIndex is an unsolicited notification that the sender now
// holds image_id and can serve GetIndex/GetBlock for it.
type PublishIndex struct {
	ImageID image.Hash `cbor:"image_id"`
}

// ReceivedImage is an unsolicited notification that the sender has
// durably committed image_id at path. Forwarded is true when the
// sender is relaying a notification it itself received rather than
// reporting its own completion.
type ReceivedImage struct {
	MachineID string     `cbor:"machine_id"`
	Hostname  string     `cbor:"hostname"`
	Path      string      `cbor:"path"`
	ImageID   image.Hash `cbor:"image_id"`
	Forwarded bool       `cbor:"forwarded"`
}

// AbortedImage is an unsolicited notification that the sender gave up
// tracking image_id at path.
type AbortedImage struct {
	ImageID image.Hash  `cbor:"image_id"`
	Path    string      `cbor:"path"`
	Reason  AbortReason `cbor:"reason"`
}

// BaseDirState is a periodic, unsolicited advertisement of a base
// directory's contents, mirroring GetBaseDirResponse's shape.
type BaseDirState struct {
	Path         string         `cbor:"path"`
	ConfigHash   image.Hash     `cbor:"config_hash"`
	KeepListHash image.Hash     `cbor:"keep_list_hash"`
	Dirs         []BaseDirEntry `cbor:"dirs"`
}
