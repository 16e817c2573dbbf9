package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

// DecodeJSON parses a JSON object into a row. Numbers are kept as
// json.Number so integer ids survive unchanged.
func DecodeJSON(payload []byte) (types.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var row types.Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("%w: %w", errors.ErrMalformedEvent, err)
	}
	if row == nil {
		return nil, fmt.Errorf("%w: null payload", errors.ErrMalformedEvent)
	}
	return row, nil
}

// EncodeJSON is the inverse of DecodeJSON.
func EncodeJSON(row types.Row) ([]byte, error) {
	return json.Marshal(row)
}
