package image

import "github.com/fxamacker/cbor/v2"

var cborEncMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

func cborMarshalBytes(b []byte) ([]byte, error) {
	return cborEncMode.Marshal(b)
}

func cborUnmarshalBytes(data []byte) ([]byte, error) {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return b, nil
}
