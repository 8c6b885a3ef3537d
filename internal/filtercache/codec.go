package filtercache

import (
	"bytes"
	"encoding/gob"
)

func encodeDocument(doc *Document) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(doc); err != nil {
		return nil
	}
	return buf.Bytes()
}

func decodeDocument(data []byte) (*Document, bool) {
	var doc Document
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&doc); err != nil {
		return nil, false
	}
	return &doc, true
}
