package peer

import (
	"github.com/infinit/memo/block"
	"github.com/infinit/memo/codec"
)

// blockRecord wraps a block.Block for gob encoding: the interface value
// needs a concrete registered type to round-trip, and Silo records carry
// nothing to disambiguate on Decode without it.
type blockRecord struct {
	Block block.Block
}

func encodeBlock(b block.Block) ([]byte, error) {
	return codec.Encode(codec.Context{Version: codec.Current}, blockRecord{Block: b})
}

func decodeBlock(data []byte) (block.Block, error) {
	var rec blockRecord
	if err := codec.Decode(codec.Context{Version: codec.Current}, data, &rec); err != nil {
		return nil, err
	}
	return rec.Block, nil
}
