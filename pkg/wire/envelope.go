package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind names the payload carried by an Envelope.
type Kind string

const (
	KindAppendDir         Kind = "append_dir"
	KindAppendDirResponse Kind = "append_dir_response"
	KindReplaceDir        Kind = "replace_dir"
	KindGetIndex          Kind = "get_index"
	KindGetIndexResponse  Kind = "get_index_response"
	KindGetBlock          Kind = "get_block"
	KindGetBlockResponse  Kind = "get_block_response"
	KindGetBaseDir        Kind = "get_base_dir"
	KindGetBaseDirResp    Kind = "get_base_dir_response"
	KindErrorResponse     Kind = "error_response"

	KindPublishIndex   Kind = "publish_index"
	KindReceivedImage  Kind = "received_image"
	KindAbortedImage   Kind = "aborted_image"
	KindBaseDirState   Kind = "base_dir_state"
)

// Envelope is the outer shape of every frame. RequestID correlates a
// response with the request that produced it; it is zero for
// one-way notifications. A non-zero RequestID on the wire is chosen
// by the requester and must be unique among that connection's
// currently outstanding requests.
type Envelope struct {
	Kind      Kind            `cbor:"kind"`
	RequestID uint64          `cbor:"request_id,omitempty"`
	Body      cbor.RawMessage `cbor:"body"`
}

// Encode packs v as the body of an Envelope of the given kind.
func Encode(kind Kind, requestID uint64, v any) (*Envelope, error) {
	body, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	return &Envelope{Kind: kind, RequestID: requestID, Body: body}, nil
}

// Decode unpacks the envelope's body into v.
func (e *Envelope) Decode(v any) error {
	if err := cbor.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", e.Kind, err)
	}
	return nil
}
