package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"ballotbox/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps the encoded size of a record stable,
	// which the size limit depends on.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

// Encode returns the stored byte form of a proposal.
func Encode(p domain.Proposal) ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode proposal: %w", err)
	}
	return data, nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (domain.Proposal, error) {
	var p domain.Proposal
	if err := decMode.Unmarshal(data, &p); err != nil {
		return domain.Proposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	return p, nil
}

// EncodedSize is len(Encode(p)).
func EncodedSize(p domain.Proposal) (int, error) {
	data, err := Encode(p)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
