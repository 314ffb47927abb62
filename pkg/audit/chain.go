package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// GenesisHash is the prev_hash of the first record in every log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash chains a record to its predecessor. The payload is hashed as
// stored, so verification never depends on re-marshalling.
func ComputeHash(prevHash string, seq int64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(seq, 10)))
	h.Write([]byte{'|'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainBreak describes the first record that does not verify.
type ChainBreak struct {
	Seq      int64  `json:"seq"`
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// VerifyRecords checks that records form an unbroken chain starting after
// a record whose hash is prevHash. Records must be ordered by seq.
func VerifyRecords(prevHash string, prevSeq int64, records []StoredRecord) *ChainBreak {
	for _, rec := range records {
		switch {
		case rec.Seq != prevSeq+1:
			return &ChainBreak{Seq: rec.Seq, RecordID: rec.RecordID, Reason: "sequence gap after " + strconv.FormatInt(prevSeq, 10)}
		case rec.PrevHash != prevHash:
			return &ChainBreak{Seq: rec.Seq, RecordID: rec.RecordID, Reason: "prev_hash does not match predecessor"}
		case ComputeHash(rec.PrevHash, rec.Seq, rec.Payload) != rec.Hash:
			return &ChainBreak{Seq: rec.Seq, RecordID: rec.RecordID, Reason: "hash does not match payload"}
		}
		prevHash = rec.Hash
		prevSeq = rec.Seq
	}
	return nil
}
