package chain

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SmartQueryPath is the gRPC route served through abci_query.
const SmartQueryPath = "/cosmwasm.wasm.v1.Query/SmartContractState"

// encodeSmartQuery builds a QuerySmartContractStateRequest:
//
//	1: address    string
//	2: query_data bytes
func encodeSmartQuery(contract string, query []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, contract)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, query)
	return b
}

// decodeSmartResponse extracts field 1 (data) of a
// QuerySmartContractStateResponse. Unknown fields are skipped.
func decodeSmartResponse(b []byte) ([]byte, error) {
	var data []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("smart query response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num == 1 && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("smart query response data: %w", protowire.ParseError(m))
			}
			data = append([]byte(nil), v...)
			b = b[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return nil, fmt.Errorf("smart query response field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return data, nil
}
